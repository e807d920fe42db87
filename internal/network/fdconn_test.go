package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"meshd/internal/meta"
)

func TestSocketpairReadWouldBlock(t *testing.T) {
	a, b, err := Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer a.Close()
	defer b.Close()

	buf := make([]byte, 16)
	if _, err := a.Read(buf); !meta.IsWouldBlock(err) {
		t.Fatalf("expected would-block on empty socket, got %v", err)
	}
	if _, err := b.Write([]byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err := a.Read(buf)
	if err != nil || string(buf[:n]) != "hi" {
		t.Fatalf("read n=%d err=%v data=%q", n, err, buf[:n])
	}
}

func TestSocketpairCarriesMetaLines(t *testing.T) {
	a, b, err := Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer a.Close()

	var lines []string
	var blocks []string
	var recv *meta.Conn
	recv = meta.NewConn("alice", a.RemoteAddr(), a, meta.Options{
		Requests: meta.RequestHandlerFunc(func(c *meta.Conn, line []byte) error {
			lines = append(lines, string(line))
			if string(line) == "17 3" {
				c.ExpectBlock(3)
			}
			return nil
		}),
		Blocks: meta.BlockHandlerFunc(func(c *meta.Conn, block []byte) {
			blocks = append(blocks, string(block))
		}),
	})
	send := meta.NewConn("bob", b.RemoteAddr(), b, meta.Options{})
	for _, msg := range []string{"8\n", "17 3\n", "a\nb", "9\n"} {
		if err := send.Send([]byte(msg)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := recv.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(lines) != 3 || lines[0] != "8" || lines[2] != "9" {
		t.Fatalf("unexpected lines %q", lines)
	}
	if len(blocks) != 1 || blocks[0] != "a\nb" {
		t.Fatalf("unexpected blocks %q", blocks)
	}
	if err := recv.Receive(); err != nil {
		t.Fatalf("expected would-block to keep the connection, got %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := recv.Receive(); !errors.Is(err, meta.ErrClosed) {
		t.Fatalf("expected ErrClosed after peer close, got %v", err)
	}
}

func TestFDConnCloseRunsHookOnce(t *testing.T) {
	a, b, err := Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer b.Close()
	calls := 0
	a.OnClose(func() { calls++ })
	_ = a.Close()
	_ = a.Close()
	if calls != 1 {
		t.Fatalf("expected one close hook call, got %d", calls)
	}
}

func TestFDConnWriteAfterCloseNeverReachesReusedFd(t *testing.T) {
	old, oldPeer, err := Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer oldPeer.Close()
	staleFd := old.Fd()
	if err := old.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The kernel hands out the lowest free descriptor, so the next pair
	// usually reuses the old number.
	a, b, err := Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer a.Close()
	defer b.Close()

	stale := meta.NewConn("gone", "", old, meta.Options{})
	if err := stale.Send([]byte("8\n")); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected net.ErrClosed sending on closed conn, got %v", err)
	}
	if n, err := old.Write([]byte("8\n")); n != 0 || !errors.Is(err, net.ErrClosed) {
		t.Fatalf("write after close: n=%d err=%v", n, err)
	}
	if _, err := old.Read(make([]byte, 4)); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("read after close: %v", err)
	}
	buf := make([]byte, 4)
	for _, c := range []*FDConn{a, b} {
		if n, err := c.Read(buf); !meta.IsWouldBlock(err) {
			t.Fatalf("fd %d (stale %d) received %q err=%v", c.Fd(), staleFd, buf[:n], err)
		}
	}
}

func TestTCPListenerLimitsPerIP(t *testing.T) {
	lim := NewIPLimiter(1, 0)
	ln, err := ListenTCP("127.0.0.1:0", lim)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *FDConn, 2)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				close(accepted)
				return
			}
			accepted <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first, err := DialTCP(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	var srv *FDConn
	select {
	case srv = <-accepted:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for accept")
	}
	if lim.Stats().HeldConns != 1 {
		t.Fatalf("expected one held conn")
	}

	second, err := DialTCP(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	select {
	case <-accepted:
		t.Fatalf("second connection should be rejected")
	case <-time.After(200 * time.Millisecond):
	}

	_ = srv.Close()
	if lim.Stats().HeldConns != 0 {
		t.Fatalf("expected limiter released on close")
	}
}
