package network

import (
	"sync"

	"meshd/internal/metrics"
)

// ipCounts is one per-IP cap. A zero max disables it.
type ipCounts struct {
	max      int
	held     map[string]int
	total    int
	rejected uint64
}

func (c *ipCounts) acquire(ip string) bool {
	if c.max <= 0 {
		return true
	}
	if c.held[ip] >= c.max {
		c.rejected++
		return false
	}
	c.held[ip]++
	c.total++
	return true
}

func (c *ipCounts) release(ip string) {
	if c.max <= 0 || c.held[ip] == 0 {
		return
	}
	c.total--
	if c.held[ip] == 1 {
		delete(c.held, ip)
		return
	}
	c.held[ip]--
}

// IPLimiter caps concurrent meta-connections and QUIC streams per remote IP.
// A nil limiter admits everything.
type IPLimiter struct {
	mu      sync.Mutex
	conns   ipCounts
	streams ipCounts
}

func NewIPLimiter(maxConns, maxStreams int) *IPLimiter {
	return &IPLimiter{
		conns:   ipCounts{max: maxConns, held: make(map[string]int)},
		streams: ipCounts{max: maxStreams, held: make(map[string]int)},
	}
}

func (l *IPLimiter) AcquireConn(ip string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns.acquire(ip)
}

func (l *IPLimiter) ReleaseConn(ip string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.conns.release(ip)
	l.mu.Unlock()
}

func (l *IPLimiter) AcquireStream(ip string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streams.acquire(ip)
}

func (l *IPLimiter) ReleaseStream(ip string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.streams.release(ip)
	l.mu.Unlock()
}

// Stats summarizes what the limiter holds and has turned away, for the
// metrics snapshot.
func (l *IPLimiter) Stats() metrics.LimiterMetrics {
	if l == nil {
		return metrics.LimiterMetrics{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return metrics.LimiterMetrics{
		HeldConns:       uint64(l.conns.total),
		HeldStreams:     uint64(l.streams.total),
		Addrs:           uint64(len(l.conns.held)),
		RejectedConns:   l.conns.rejected,
		RejectedStreams: l.streams.rejected,
	}
}
