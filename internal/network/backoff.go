package network

import (
	"sync"
	"time"
)

const (
	redialBackoffBase = 1 * time.Second
	redialBackoffMax  = 2 * time.Minute
)

type addrFailure struct {
	count int
	last  time.Time
}

// Redial tracks consecutive dial failures per address and spaces out
// reconnect attempts exponentially.
type Redial struct {
	mu       sync.Mutex
	failures map[string]*addrFailure
	base     time.Duration
	max      time.Duration
	now      func() time.Time
}

func NewRedial(base, max time.Duration) *Redial {
	if base <= 0 {
		base = redialBackoffBase
	}
	if max < base {
		max = redialBackoffMax
	}
	return &Redial{
		failures: make(map[string]*addrFailure),
		base:     base,
		max:      max,
		now:      time.Now,
	}
}

func (r *Redial) RecordFailure(addr string) int {
	if r == nil || addr == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ent := r.failures[addr]
	if ent == nil {
		ent = &addrFailure{}
		r.failures[addr] = ent
	}
	ent.count++
	ent.last = r.now()
	return ent.count
}

func (r *Redial) Reset(addr string) {
	if r == nil || addr == "" {
		return
	}
	r.mu.Lock()
	delete(r.failures, addr)
	r.mu.Unlock()
}

// Delay is the wait after the last failure before addr may be dialed again.
func (r *Redial) Delay(addr string) time.Duration {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delayLocked(r.failures[addr])
}

func (r *Redial) delayLocked(ent *addrFailure) time.Duration {
	if ent == nil || ent.count == 0 {
		return 0
	}
	d := r.base
	for i := 1; i < ent.count && d < r.max; i++ {
		d *= 2
	}
	if d > r.max {
		d = r.max
	}
	return d
}

// Due reports whether addr may be dialed now.
func (r *Redial) Due(addr string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ent := r.failures[addr]
	d := r.delayLocked(ent)
	if d == 0 {
		return true
	}
	return !r.now().Before(ent.last.Add(d))
}
