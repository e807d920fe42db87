// Package testutil holds helpers shared by fuzz targets.
package testutil

import (
	"testing"
	"time"
)

const (
	DefaultMaxFuzzBytes = 1 << 16
	DefaultFuzzTimeout  = 100 * time.Millisecond
)

func CapBytes(b []byte, max int) []byte {
	if max <= 0 {
		return b
	}
	if len(b) > max {
		return b[:max]
	}
	return b
}

// Chunks splits data into consecutive pieces whose sizes cycle through
// sizes, standing in for the arbitrary read boundaries of a stream. Zero or
// negative sizes count as 1.
func Chunks(data []byte, sizes []byte) [][]byte {
	if len(sizes) == 0 {
		sizes = []byte{1}
	}
	var out [][]byte
	for i := 0; len(data) > 0; i++ {
		n := int(sizes[i%len(sizes)])
		if n <= 0 {
			n = 1
		}
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}
