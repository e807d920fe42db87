package pprofutil

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.ok {
			t.Fatalf("isLoopbackBind(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func TestStartRefusesPublicBind(t *testing.T) {
	if _, err := Start("0.0.0.0:0", false); err == nil {
		t.Fatalf("expected public bind to be refused")
	}
	if _, err := Start("", true); err == nil {
		t.Fatalf("expected empty address to be refused")
	}
}

func TestStartServesIndexUntilClosed(t *testing.T) {
	s, err := Start("127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	url := "http://" + s.Addr() + "/debug/pprof/"
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "goroutine") {
		t.Fatalf("unexpected index: %d %q", resp.StatusCode, body)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if resp, err := http.Get(url); err == nil {
		_ = resp.Body.Close()
		t.Fatalf("expected server gone after close")
	}
}
