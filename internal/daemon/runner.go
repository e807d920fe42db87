// Package daemon runs a meshd node: it accepts and dials meta-connections,
// drives them from the event loop and tears them down when their I/O fails.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/glycerine/idem"

	"meshd/internal/config"
	"meshd/internal/debuglog"
	"meshd/internal/event"
	"meshd/internal/meta"
	"meshd/internal/metrics"
	"meshd/internal/network"
	"meshd/internal/pprofutil"
	"meshd/internal/proto"
	"meshd/internal/store"
)

const (
	defaultDialTick = 2 * time.Second
	unidentified    = "(unidentified)"
)

type Runner struct {
	Cfg      config.Config
	Metrics  *metrics.Metrics
	Registry *meta.Registry
	Proto    *proto.Handler
	Loop     *event.Loop
	Halt     *idem.Halter

	journal  *store.Journal
	limiter  *network.IPLimiter
	redial   *network.Redial
	dialTick time.Duration

	mu         sync.Mutex
	sessions   map[*meta.Conn]*session
	dialing    map[string]bool
	listenAddr string
	wg         sync.WaitGroup
}

type Options struct {
	Metrics *metrics.Metrics
	Sink    proto.PacketSink
}

func NewRunner(cfg config.Config, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		return nil, err
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	journal, err := store.OpenJournal(cfg.JournalPath())
	if err != nil {
		return nil, err
	}
	r := &Runner{
		Cfg:      cfg,
		Metrics:  m,
		Registry: meta.NewRegistry(m),
		Loop:     event.New(event.DefaultTimeout),
		Halt:     idem.NewHalterNamed("daemon.Runner(" + cfg.Name + ")"),
		journal:  journal,
		limiter:  network.NewIPLimiter(cfg.ConnsPerIP, cfg.StreamsPerIP),
		redial:   network.NewRedial(0, 0),
		dialTick: defaultDialTick,
		sessions: make(map[*meta.Conn]*session),
		dialing:  make(map[string]bool),
	}
	r.Halt.AddChild(r.Loop.Halt)
	h, err := proto.NewHandler(proto.Options{
		Self:         cfg.Name,
		PSK:          cfg.PSK,
		Registry:     r.Registry,
		Sink:         opts.Sink,
		Metrics:      m,
		OnIdentified: r.identified,
		OnActive:     r.activated,
	})
	if err != nil {
		return nil, err
	}
	r.Proto = h
	return r, nil
}

// ListenAddr is the bound listen address once Run reported ready.
func (r *Runner) ListenAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listenAddr
}

func (r *Runner) setListenAddr(addr string) {
	r.mu.Lock()
	r.listenAddr = addr
	r.mu.Unlock()
}

// Stop requests shutdown; Run returns once everything is closed.
func (r *Runner) Stop() { r.Halt.ReqStop.Close() }

// Run serves until ctx is done or Stop is called. ready, if non-nil, receives
// the bound listen address.
func (r *Runner) Run(ctx context.Context, ready chan<- string) error {
	if r.Cfg.PprofAddr != "" {
		srv, err := pprofutil.Start(r.Cfg.PprofAddr, r.Cfg.PprofAllowPublic)
		if err != nil {
			debuglog.Errorf("pprof: %v", err)
		} else {
			debuglog.Infof("pprof enabled: http://%s/debug/pprof/", srv.Addr())
			defer srv.Close()
		}
	}
	closeListener, err := r.listen(ctx)
	if err != nil {
		return err
	}
	if ready != nil {
		select {
		case ready <- r.ListenAddr():
		default:
		}
	}
	debuglog.Infof("meshd %s ready on %s (%s)", r.Cfg.Name, r.ListenAddr(), r.Cfg.Transport)

	loopErr := make(chan error, 1)
	go func() { loopErr <- r.Loop.Run() }()
	r.goTicker(r.dialTick, r.dialPeers)
	r.goTicker(r.Cfg.PingInterval, r.ping)
	r.goTicker(r.Cfg.SnapshotEvery, r.writeSnapshot)
	r.dialPeers()

	var runErr error
	select {
	case <-ctx.Done():
	case <-r.Halt.ReqStop.Chan:
	case err := <-loopErr:
		if !errors.Is(err, event.ErrStopped) {
			runErr = err
		}
	}
	r.Halt.ReqStop.Close()
	r.Loop.Stop()
	closeListener()
	<-r.Loop.Halt.Done.Chan
	r.wg.Wait()
	r.closeAll("shutdown")
	r.writeSnapshot()
	r.Halt.Done.Close()
	return runErr
}

func (r *Runner) goTicker(every time.Duration, fn func()) {
	if every <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-r.Halt.ReqStop.Chan:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// ping keeps idle links alive and expires remembered forwarded requests.
func (r *Runner) ping() {
	r.Registry.Broadcast(nil, proto.Format(proto.Ping))
	if n := r.Proto.Sweep(); n > 0 {
		debuglog.Tracef("expired %d remembered requests", n)
	}
}

func (r *Runner) writeSnapshot() {
	r.Metrics.SetActiveConns(uint64(r.Registry.ActiveCount()))
	r.Metrics.SetLimiter(r.limiter.Stats())
	if err := r.Metrics.WriteSnapshot(r.Cfg.SnapshotPath()); err != nil {
		debuglog.RateLimitedf("snapshot-write", time.Minute, "write metrics snapshot: %v", err)
	}
}

func (r *Runner) identified(c *meta.Conn, name string) error {
	if other, ok := r.Registry.Lookup(name); ok && other != c {
		return fmt.Errorf("%w: %s is already connected", meta.ErrDuplicate, name)
	}
	c.Name = name
	return nil
}

func (r *Runner) activated(c *meta.Conn) error {
	if err := r.Registry.Add(c); err != nil {
		return err
	}
	r.mu.Lock()
	if s, ok := r.sessions[c]; ok && s.outbound {
		r.redial.Reset(s.addr)
	}
	r.mu.Unlock()
	r.Metrics.SetActiveConns(uint64(r.Registry.ActiveCount()))
	return nil
}
