package proto

import (
	"sync"
	"time"

	"meshd/internal/crypto"
)

const DefaultPastExpiry = 60 * time.Second

// pastRequests remembers forwarded request lines so a flooded request is
// relayed at most once per expiry window.
type pastRequests struct {
	mu      sync.Mutex
	entries map[[32]byte]time.Time
	expiry  time.Duration
	now     func() time.Time
}

func newPastRequests(expiry time.Duration) *pastRequests {
	if expiry <= 0 {
		expiry = DefaultPastExpiry
	}
	return &pastRequests{
		entries: make(map[[32]byte]time.Time),
		expiry:  expiry,
		now:     time.Now,
	}
}

func pastKey(line string) [32]byte {
	var k [32]byte
	copy(k[:], crypto.SHA3_256([]byte(line)))
	return k
}

// add returns true if line was not seen within the expiry window.
func (p *pastRequests) add(line string) bool {
	k := pastKey(line)
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if exp, ok := p.entries[k]; ok && now.Before(exp) {
		return false
	}
	p.entries[k] = now.Add(p.expiry)
	return true
}

func (p *pastRequests) sweep() int {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for k, exp := range p.entries {
		if !now.Before(exp) {
			delete(p.entries, k)
			removed++
		}
	}
	return removed
}

func (p *pastRequests) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
