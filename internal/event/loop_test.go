package event

import (
	"errors"
	"testing"
	"time"

	"meshd/internal/meta"
	"meshd/internal/network"
)

func TestLoopDeliversReadableSockets(t *testing.T) {
	a, b, err := network.Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer b.Close()

	l := New(10 * time.Millisecond)
	got := make(chan string, 4)
	c := meta.NewConn("peer", "socketpair", a, meta.Options{
		Requests: meta.RequestHandlerFunc(func(_ *meta.Conn, line []byte) error {
			got <- string(line)
			return nil
		}),
	})
	closed := make(chan error, 1)
	l.Add(a.Fd(), c.Receive, func(err error) {
		_ = a.Close()
		closed <- err
	})
	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	if _, err := b.Write([]byte("8\n9\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, want := range []string{"8", "9"} {
		select {
		case line := <-got:
			if line != want {
				t.Fatalf("got %q want %q", line, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	_ = b.Close()
	select {
	case err := <-closed:
		if !errors.Is(err, meta.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for close")
	}
	if l.Len() != 0 {
		t.Fatalf("expected descriptor removed")
	}

	l.Stop()
	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("expected ErrStopped, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop")
	}
	if !l.Halt.Done.IsClosed() {
		t.Fatalf("expected Done closed after Run returns")
	}
}

func TestLoopStopsWhenIdle(t *testing.T) {
	l := New(5 * time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- l.Run() }()
	l.Stop()
	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("expected ErrStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("idle loop did not stop")
	}
}

func TestLoopRemoveSkipsCallback(t *testing.T) {
	a, b, err := network.Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer a.Close()
	defer b.Close()

	l := New(5 * time.Millisecond)
	called := false
	l.Add(a.Fd(), func() error { called = true; return nil }, nil)
	l.Remove(a.Fd())
	if _, err := b.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	l.dispatch(a.Fd())
	if called {
		t.Fatalf("removed descriptor should not be dispatched")
	}
}
