package daemon

import (
	"context"
	"errors"
	"io"
	"time"

	"meshd/internal/config"
	"meshd/internal/debuglog"
	"meshd/internal/meta"
	"meshd/internal/metrics"
	"meshd/internal/network"
)

// session is the daemon's bookkeeping for one meta-connection.
type session struct {
	conn     *meta.Conn
	closer   io.Closer
	outbound bool
	addr     string
	opened   time.Time
}

func (r *Runner) newConn(name, hostname string, t meta.Transport) *meta.Conn {
	return meta.NewConn(name, hostname, t, meta.Options{
		Blocks:        r.Proto,
		Requests:      r.Proto,
		MaxBufSize:    r.Cfg.MaxBufSize,
		MaxLineLength: r.Cfg.MaxLineLength,
		Metrics:       r.Metrics,
	})
}

func (r *Runner) track(s *session) {
	r.mu.Lock()
	r.sessions[s.conn] = s
	r.mu.Unlock()
}

// Sessions returns the number of open meta-connections, identified or not.
func (r *Runner) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// teardown closes c and forgets everything about it. It must run on the
// goroutine that drives c's Receive.
func (r *Runner) teardown(c *meta.Conn, cause error) {
	r.mu.Lock()
	s, ok := r.sessions[c]
	delete(r.sessions, c)
	r.mu.Unlock()
	if !ok {
		return
	}
	reason := "closed"
	if cause != nil {
		reason = cause.Error()
	}
	switch {
	case cause == nil, errors.Is(cause, meta.ErrClosed):
		debuglog.Infof("closing connection with %s (%s)", c.Name, c.Hostname)
	default:
		debuglog.Errorf("closing connection with %s (%s): %v", c.Name, c.Hostname, cause)
	}
	c.SetActive(false)
	r.Registry.Remove(c)
	r.Proto.Forget(c)
	_ = s.closer.Close()
	if s.outbound {
		r.mu.Lock()
		delete(r.dialing, c.Name)
		r.mu.Unlock()
		if c.Stats().Requests == 0 {
			r.redial.RecordFailure(s.addr)
		}
	}
	st := c.Stats()
	ev := metrics.ConnEvent{
		At:       time.Now().UTC(),
		Peer:     st.Name,
		Hostname: st.Hostname,
		Reason:   reason,
		BytesIn:  st.BytesIn,
		BytesOut: st.BytesOut,
	}
	r.Metrics.RecordTeardown(ev)
	if err := r.journal.Append(ev); err != nil {
		debuglog.RateLimitedf("journal-append", time.Minute, "append teardown journal: %v", err)
	}
	r.Metrics.SetActiveConns(uint64(r.Registry.ActiveCount()))
	debuglog.Debugf("%s was up %s, digests in=%s out=%s", c.Name, time.Since(s.opened).Round(time.Millisecond), st.InDigest, st.OutDigest)
}

func (r *Runner) closeAll(reason string) {
	r.mu.Lock()
	conns := make([]*meta.Conn, 0, len(r.sessions))
	for c := range r.sessions {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		r.teardown(c, errors.New(reason))
	}
}

// attachFD drives a socket-backed conn from the event loop.
func (r *Runner) attachFD(s *session, fc *network.FDConn) {
	r.track(s)
	r.Loop.Add(fc.Fd(), s.conn.Receive, func(err error) {
		r.teardown(s.conn, err)
	})
}

// attachStream drives a QUIC-backed conn from its own goroutine; each
// Receive returns after at most one poll interval.
func (r *Runner) attachStream(s *session) {
	r.track(s)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			if r.Halt.ReqStop.IsClosed() {
				return
			}
			if err := s.conn.Receive(); err != nil {
				r.teardown(s.conn, err)
				return
			}
		}
	}()
}

// listen starts the configured listener and its accept goroutine. The
// returned func closes the listener.
func (r *Runner) listen(ctx context.Context) (func(), error) {
	if r.Cfg.Listen == "" {
		return func() {}, nil
	}
	switch r.Cfg.Transport {
	case config.TransportQUIC:
		ln, err := network.ListenQUIC(r.Cfg.Listen, r.limiter, network.DefaultPollInterval)
		if err != nil {
			return nil, err
		}
		r.setListenAddr(ln.Addr().String())
		actx, cancel := context.WithCancel(ctx)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				dc, err := ln.Accept(actx)
				if err != nil {
					if actx.Err() == nil && !r.Halt.ReqStop.IsClosed() {
						debuglog.Errorf("quic accept: %v", err)
					}
					return
				}
				c := r.newConn(unidentified, dc.RemoteAddr(), dc)
				debuglog.Infof("connection from %s", dc.RemoteAddr())
				r.attachStream(&session{conn: c, closer: dc, addr: dc.RemoteAddr(), opened: time.Now()})
			}
		}()
		return func() {
			cancel()
			_ = ln.Close()
		}, nil
	default:
		ln, err := network.ListenTCP(r.Cfg.Listen, r.limiter)
		if err != nil {
			return nil, err
		}
		r.setListenAddr(ln.Addr().String())
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				fc, err := ln.Accept()
				if err != nil {
					if !r.Halt.ReqStop.IsClosed() {
						debuglog.Errorf("tcp accept: %v", err)
					}
					return
				}
				c := r.newConn(unidentified, fc.RemoteAddr(), fc)
				debuglog.Infof("connection from %s", fc.RemoteAddr())
				r.attachFD(&session{conn: c, closer: fc, addr: fc.RemoteAddr(), opened: time.Now()}, fc)
			}
		}()
		return func() { _ = ln.Close() }, nil
	}
}
