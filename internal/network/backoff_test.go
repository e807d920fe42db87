package network

import (
	"testing"
	"time"
)

func TestRedialBackoffGrowsAndCaps(t *testing.T) {
	r := NewRedial(time.Second, 5*time.Second)
	now := time.Unix(100, 0)
	r.now = func() time.Time { return now }

	if !r.Due("a") || r.Delay("a") != 0 {
		t.Fatalf("fresh address should be due")
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		r.RecordFailure("a")
		if got := r.Delay("a"); got != w {
			t.Fatalf("failure %d: delay %v want %v", i+1, got, w)
		}
	}
	if r.Due("a") {
		t.Fatalf("should not be due right after failure")
	}
	now = now.Add(5 * time.Second)
	if !r.Due("a") {
		t.Fatalf("should be due after delay")
	}
	r.Reset("a")
	if r.Delay("a") != 0 {
		t.Fatalf("reset should clear failures")
	}
}
