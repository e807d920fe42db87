package meta

import (
	"strings"
	"sync"

	rb "github.com/glycerine/rbtree"

	"meshd/internal/debuglog"
	"meshd/internal/metrics"
)

// Registry is the set of known meta-connections, iterated in name order.
// It holds references only; removing a connection never closes it.
type Registry struct {
	mu      sync.RWMutex
	tree    *rb.Tree
	metrics *metrics.Metrics
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		tree: rb.NewTree(func(a, b rb.Item) int {
			return strings.Compare(a.(*Conn).Name, b.(*Conn).Name)
		}),
		metrics: m,
	}
}

// Add inserts c. A different connection with the same name is rejected with
// ErrDuplicate; adding c twice is a no-op.
func (r *Registry) Add(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, found := r.tree.FindGE_isEqual(c)
	if found {
		if it.Item().(*Conn) == c {
			return nil
		}
		return ErrDuplicate
	}
	r.tree.Insert(c)
	return nil
}

// Remove deletes c if it is the registered connection for its name.
func (r *Registry) Remove(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, found := r.tree.FindGE_isEqual(c)
	if !found || it.Item().(*Conn) != c {
		return false
	}
	r.tree.DeleteWithIterator(it)
	return true
}

func (r *Registry) Lookup(name string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, found := r.tree.FindGE_isEqual(&Conn{Name: name})
	if !found {
		return nil, false
	}
	return it.Item().(*Conn), true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Len()
}

// List returns the registered connections in registry order.
func (r *Registry) List() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, r.tree.Len())
	for it := r.tree.Min(); !it.Limit(); it = it.Next() {
		out = append(out, it.Item().(*Conn))
	}
	return out
}

// ActiveCount is the number of connections taking part in broadcast.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, c := range r.List() {
		if c.Active() {
			n++
		}
	}
	return n
}

// Broadcast sends data to every active connection except origin, in registry
// order. Failures are logged and counted but never stop the loop; the failed
// peer is torn down by its own I/O path. origin may be nil.
func (r *Registry) Broadcast(origin *Conn, data []byte) {
	for _, c := range r.List() {
		if c == origin || !c.Active() {
			continue
		}
		if err := c.Send(data); err != nil {
			debuglog.Debugf("broadcast to %s failed: %v", c.Name, err)
			r.metrics.IncBroadcastFailed()
			continue
		}
		r.metrics.IncBroadcastSent()
	}
}
