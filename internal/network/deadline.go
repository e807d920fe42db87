package network

import (
	"io"
	"sync"
	"time"
)

// DefaultPollInterval bounds how long a DeadlineConn read waits for data.
const DefaultPollInterval = 50 * time.Millisecond

type deadlineStream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// DeadlineConn turns a blocking stream into a meta transport: each Read waits
// at most one poll interval and then reports a timeout, which the meta layer
// treats as "no data yet".
type DeadlineConn struct {
	s      deadlineStream
	poll   time.Duration
	remote string

	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

func NewDeadlineConn(s deadlineStream, remote string, poll time.Duration) *DeadlineConn {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &DeadlineConn{s: s, poll: poll, remote: remote}
}

func (d *DeadlineConn) RemoteAddr() string { return d.remote }

// OnClose registers fn to run once after the stream is closed.
func (d *DeadlineConn) OnClose(fn func()) { d.onClose = fn }

func (d *DeadlineConn) Read(p []byte) (int, error) {
	if err := d.s.SetReadDeadline(time.Now().Add(d.poll)); err != nil {
		return 0, err
	}
	return d.s.Read(p)
}

func (d *DeadlineConn) Write(p []byte) (int, error) { return d.s.Write(p) }

func (d *DeadlineConn) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.s.Close()
		if d.onClose != nil {
			d.onClose()
		}
	})
	return d.closeErr
}
