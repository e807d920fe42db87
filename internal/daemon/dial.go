package daemon

import (
	"context"
	"time"

	"meshd/internal/config"
	"meshd/internal/debuglog"
	"meshd/internal/network"
)

const dialLogTTL = 30 * time.Second

// dialPeers opens a meta-connection to every configured peer that has none
// and whose redial backoff has elapsed.
func (r *Runner) dialPeers() {
	for _, entry := range r.Cfg.Connect {
		name, addr, err := config.ParsePeer(entry)
		if err != nil {
			continue
		}
		if r.Halt.ReqStop.IsClosed() {
			return
		}
		if _, ok := r.Registry.Lookup(name); ok {
			continue
		}
		r.mu.Lock()
		busy := r.dialing[name]
		if !busy && r.redial.Due(addr) {
			r.dialing[name] = true
		} else {
			busy = true
		}
		r.mu.Unlock()
		if busy {
			continue
		}
		if err := r.dial(name, addr); err != nil {
			n := r.redial.RecordFailure(addr)
			debuglog.RateLimitedf("dial:"+addr, dialLogTTL, "dial %s (%s) failed (attempt %d): %v", name, addr, n, err)
			r.mu.Lock()
			delete(r.dialing, name)
			r.mu.Unlock()
		}
	}
}

func (r *Runner) dial(name, addr string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.Halt.ReqStop.Chan:
			cancel()
		case <-ctx.Done():
		}
	}()
	debuglog.Debugf("trying to connect to %s (%s)", name, addr)
	switch r.Cfg.Transport {
	case config.TransportQUIC:
		dc, err := network.DialQUIC(ctx, addr, r.Cfg.Insecure, r.Cfg.DevTLSCAPath, network.DefaultPollInterval)
		if err != nil {
			return err
		}
		c := r.newConn(name, addr, dc)
		s := &session{conn: c, closer: dc, outbound: true, addr: addr, opened: time.Now()}
		if err := r.Proto.Greet(c); err != nil {
			r.Proto.Forget(c)
			_ = dc.Close()
			return err
		}
		r.attachStream(s)
	default:
		fc, err := network.DialTCP(ctx, addr)
		if err != nil {
			return err
		}
		c := r.newConn(name, addr, fc)
		s := &session{conn: c, closer: fc, outbound: true, addr: addr, opened: time.Now()}
		if err := r.Proto.Greet(c); err != nil {
			r.Proto.Forget(c)
			_ = fc.Close()
			return err
		}
		r.attachFD(s, fc)
	}
	debuglog.Infof("connected to %s (%s)", name, addr)
	return nil
}
