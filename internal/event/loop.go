// Package event drives non-blocking meta-connections from a single poll loop.
package event

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"golang.org/x/sys/unix"

	"meshd/internal/debuglog"
)

const DefaultTimeout = 100 * time.Millisecond

var ErrStopped = errors.New("event loop stopped")

type registration struct {
	fn    func() error
	onErr func(error)
}

// Loop polls registered descriptors and runs a descriptor's callback when it
// becomes readable or hangs up. Callbacks run on the loop goroutine, one at a
// time. A callback error unregisters the descriptor and is handed to its
// onErr hook.
type Loop struct {
	Halt *idem.Halter

	mu      sync.Mutex
	fds     map[int]registration
	timeout time.Duration
}

func New(timeout time.Duration) *Loop {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Loop{
		Halt:    idem.NewHalterNamed("event.Loop"),
		fds:     make(map[int]registration),
		timeout: timeout,
	}
}

// Add registers fn for fd, replacing any earlier registration. onErr may be
// nil.
func (l *Loop) Add(fd int, fn func() error, onErr func(error)) {
	l.mu.Lock()
	l.fds[fd] = registration{fn: fn, onErr: onErr}
	l.mu.Unlock()
}

// Remove unregisters fd. It is safe to call from a callback.
func (l *Loop) Remove(fd int) {
	l.mu.Lock()
	delete(l.fds, fd)
	l.mu.Unlock()
}

func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fds)
}

// Stop asks Run to return after its current iteration.
func (l *Loop) Stop() { l.Halt.ReqStop.Close() }

func (l *Loop) snapshot() []unix.PollFd {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]unix.PollFd, 0, len(l.fds))
	for fd := range l.fds {
		out = append(out, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fd < out[j].Fd })
	return out
}

func (l *Loop) lookup(fd int) (registration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	reg, ok := l.fds[fd]
	return reg, ok
}

func (l *Loop) dispatch(fd int) {
	// an earlier callback may have removed this descriptor
	reg, ok := l.lookup(fd)
	if !ok {
		return
	}
	err := reg.fn()
	if err == nil {
		return
	}
	l.Remove(fd)
	if reg.onErr != nil {
		reg.onErr(err)
	}
}

// Run polls until Stop is called. It returns ErrStopped on a requested stop
// and the poll error otherwise.
func (l *Loop) Run() error {
	defer l.Halt.Done.Close()
	ms := int(l.timeout / time.Millisecond)
	for {
		if l.Halt.ReqStop.IsClosed() {
			return ErrStopped
		}
		fds := l.snapshot()
		if len(fds) == 0 {
			select {
			case <-l.Halt.ReqStop.Chan:
				return ErrStopped
			case <-time.After(l.timeout):
			}
			continue
		}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			debuglog.Errorf("poll failed: %v", err)
			return err
		}
		if n == 0 {
			continue
		}
		for _, p := range fds {
			if p.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) == 0 {
				continue
			}
			l.dispatch(int(p.Fd))
		}
	}
}
