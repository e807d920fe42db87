package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// How long a Write may wait for a full socket buffer to drain.
const writeTimeout = 5 * time.Second

var ErrWriteTimeout = errors.New("write timed out")

// FDConn is a meta-connection transport over a non-blocking socket. Reads
// return unix.EAGAIN when nothing is queued, so a poll loop can drive them.
//
// Once Close starts, Read and Write return net.ErrClosed: the descriptor
// number may already belong to another connection.
type FDConn struct {
	fd     int
	remote string

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

func NewFDConn(fd int, remote string) (*FDConn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return &FDConn{fd: fd, remote: remote}, nil
}

// FromTCP takes over the socket of c. c is closed; the returned conn owns a
// duplicate descriptor.
func FromTCP(c *net.TCPConn) (*FDConn, error) {
	remote := c.RemoteAddr().String()
	f, err := c.File()
	_ = c.Close()
	if err != nil {
		return nil, err
	}
	fd, err := unix.Dup(int(f.Fd()))
	_ = f.Close()
	if err != nil {
		return nil, err
	}
	fc, err := NewFDConn(fd, remote)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return fc, nil
}

// Socketpair returns two connected local transports.
func Socketpair() (*FDConn, *FDConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	a, err := NewFDConn(fds[0], "socketpair")
	if err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := NewFDConn(fds[1], "socketpair")
	if err != nil {
		_ = a.Close()
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	return a, b, nil
}

func (c *FDConn) Fd() int { return c.fd }

func (c *FDConn) RemoteAddr() string { return c.remote }

// OnClose registers fn to run once after the descriptor is closed.
func (c *FDConn) OnClose(fn func()) { c.onClose = fn }

func (c *FDConn) Read(p []byte) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	for {
		n, err := unix.Read(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// Write sends all of p, waiting for the socket to become writable when its
// buffer is full.
func (c *FDConn) Write(p []byte) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	written := 0
	deadline := time.Now().Add(writeTimeout)
	for written < len(p) {
		n, err := unix.Write(c.fd, p[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == nil:
			continue
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if err := c.waitWritable(deadline); err != nil {
				return written, err
			}
		default:
			return written, err
		}
	}
	return written, nil
}

func (c *FDConn) waitWritable(deadline time.Time) error {
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return ErrWriteTimeout
		}
		fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int(left/time.Millisecond)+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

// Close shuts the socket down first so a Write parked on POLLOUT returns
// promptly, then releases the descriptor once no Read or Write holds it.
func (c *FDConn) Close() error {
	c.closeOnce.Do(func() {
		_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
		c.mu.Lock()
		c.closed = true
		c.closeErr = unix.Close(c.fd)
		c.mu.Unlock()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return c.closeErr
}

// TCPListener accepts meta-connections as FDConns, enforcing the per-IP cap.
type TCPListener struct {
	ln      *net.TCPListener
	limiter *IPLimiter
}

func ListenTCP(addr string, limiter *IPLimiter) (*TCPListener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln, limiter: limiter}, nil
}

func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

func (l *TCPListener) Close() error { return l.ln.Close() }

// Accept returns the next admitted connection. Connections over the per-IP
// cap are closed and skipped.
func (l *TCPListener) Accept() (*FDConn, error) {
	for {
		tc, err := l.ln.AcceptTCP()
		if err != nil {
			return nil, err
		}
		ip := hostOf(tc.RemoteAddr())
		if !l.limiter.AcquireConn(ip) {
			debugLog("rejecting connection from %s: too many connections", ip)
			_ = tc.Close()
			continue
		}
		fc, err := FromTCP(tc)
		if err != nil {
			l.limiter.ReleaseConn(ip)
			return nil, err
		}
		fc.OnClose(func() { l.limiter.ReleaseConn(ip) })
		return fc, nil
	}
}

func DialTCP(ctx context.Context, addr string) (*FDConn, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("dial %s: not a tcp connection", addr)
	}
	return FromTCP(tc)
}

func hostOf(a net.Addr) string {
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}
