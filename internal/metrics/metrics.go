package metrics

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// ConnEvent records why a meta-connection ended.
type ConnEvent struct {
	At       time.Time `json:"at"`
	Peer     string    `json:"peer"`
	Hostname string    `json:"hostname,omitempty"`
	Reason   string    `json:"reason"`
	BytesIn  uint64    `json:"bytes_in"`
	BytesOut uint64    `json:"bytes_out"`
}

type Snapshot struct {
	GeneratedAt     time.Time         `json:"generated_at"`
	Meta            MetaMetrics       `json:"meta"`
	Broadcast       BroadcastMetrics  `json:"broadcast"`
	RequestsByType  map[string]uint64 `json:"requests_by_type"`
	ActiveConns     uint64            `json:"active_conns"`
	Limiter         LimiterMetrics    `json:"limiter"`
	RecentTeardowns []ConnEvent       `json:"recent_teardowns"`
}

type MetaMetrics struct {
	BytesIn       uint64 `json:"bytes_in"`
	BytesOut      uint64 `json:"bytes_out"`
	Blocks        uint64 `json:"blocks"`
	Requests      uint64 `json:"requests"`
	WouldBlock    uint64 `json:"would_block"`
	Closed        uint64 `json:"closed"`
	ReadErrors    uint64 `json:"read_errors"`
	WriteErrors   uint64 `json:"write_errors"`
	EncryptFail   uint64 `json:"encrypt_fail"`
	DecryptFail   uint64 `json:"decrypt_fail"`
	RequestReject uint64 `json:"request_reject"`
}

// LimiterMetrics is the per-IP admission state of the listener.
type LimiterMetrics struct {
	HeldConns       uint64 `json:"held_conns"`
	HeldStreams     uint64 `json:"held_streams"`
	Addrs           uint64 `json:"addrs"`
	RejectedConns   uint64 `json:"rejected_conns"`
	RejectedStreams uint64 `json:"rejected_streams"`
}

type BroadcastMetrics struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

type Metrics struct {
	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64
	blocks        atomic.Uint64
	requests      atomic.Uint64
	wouldBlock    atomic.Uint64
	closed        atomic.Uint64
	readErrors    atomic.Uint64
	writeErrors   atomic.Uint64
	encryptFail   atomic.Uint64
	decryptFail   atomic.Uint64
	requestReject atomic.Uint64
	bcastSent     atomic.Uint64
	bcastFailed   atomic.Uint64
	activeConns   atomic.Uint64

	mu             sync.Mutex
	requestsByType map[string]uint64
	limiter        LimiterMetrics
	recent         *RecentTeardowns
}

func New() *Metrics {
	return &Metrics{
		requestsByType: make(map[string]uint64),
		recent:         NewRecentTeardowns(64),
	}
}

// All methods tolerate a nil receiver so components can run without metrics.

func (m *Metrics) AddBytesIn(n int) {
	if m != nil && n > 0 {
		m.bytesIn.Add(uint64(n))
	}
}

func (m *Metrics) AddBytesOut(n int) {
	if m != nil && n > 0 {
		m.bytesOut.Add(uint64(n))
	}
}

func (m *Metrics) IncBlocks() {
	if m != nil {
		m.blocks.Add(1)
	}
}

func (m *Metrics) IncRequests() {
	if m != nil {
		m.requests.Add(1)
	}
}

func (m *Metrics) IncWouldBlock() {
	if m != nil {
		m.wouldBlock.Add(1)
	}
}

func (m *Metrics) IncClosed() {
	if m != nil {
		m.closed.Add(1)
	}
}

func (m *Metrics) IncReadErrors() {
	if m != nil {
		m.readErrors.Add(1)
	}
}

func (m *Metrics) IncWriteErrors() {
	if m != nil {
		m.writeErrors.Add(1)
	}
}

func (m *Metrics) IncEncryptFail() {
	if m != nil {
		m.encryptFail.Add(1)
	}
}

func (m *Metrics) IncDecryptFail() {
	if m != nil {
		m.decryptFail.Add(1)
	}
}

func (m *Metrics) IncRequestReject() {
	if m != nil {
		m.requestReject.Add(1)
	}
}

func (m *Metrics) IncBroadcastSent() {
	if m != nil {
		m.bcastSent.Add(1)
	}
}

func (m *Metrics) IncBroadcastFailed() {
	if m != nil {
		m.bcastFailed.Add(1)
	}
}

func (m *Metrics) SetActiveConns(n uint64) {
	if m != nil {
		m.activeConns.Store(n)
	}
}

func (m *Metrics) SetLimiter(l LimiterMetrics) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.limiter = l
	m.mu.Unlock()
}

func (m *Metrics) IncRequestByType(kind string) {
	if m == nil || kind == "" {
		return
	}
	m.mu.Lock()
	m.requestsByType[kind]++
	m.mu.Unlock()
}

func (m *Metrics) RecordTeardown(ev ConnEvent) {
	if m == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	m.recent.Add(ev)
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	byType := make(map[string]uint64, len(m.requestsByType))
	for k, v := range m.requestsByType {
		byType[k] = v
	}
	limiter := m.limiter
	m.mu.Unlock()
	recent := m.recent.List()
	if recent == nil {
		recent = []ConnEvent{}
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Meta: MetaMetrics{
			BytesIn:       m.bytesIn.Load(),
			BytesOut:      m.bytesOut.Load(),
			Blocks:        m.blocks.Load(),
			Requests:      m.requests.Load(),
			WouldBlock:    m.wouldBlock.Load(),
			Closed:        m.closed.Load(),
			ReadErrors:    m.readErrors.Load(),
			WriteErrors:   m.writeErrors.Load(),
			EncryptFail:   m.encryptFail.Load(),
			DecryptFail:   m.decryptFail.Load(),
			RequestReject: m.requestReject.Load(),
		},
		Broadcast: BroadcastMetrics{
			Sent:   m.bcastSent.Load(),
			Failed: m.bcastFailed.Load(),
		},
		RequestsByType:  byType,
		ActiveConns:     m.activeConns.Load(),
		Limiter:         limiter,
		RecentTeardowns: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

type RecentTeardowns struct {
	mu   sync.Mutex
	cap  int
	list []ConnEvent
}

func NewRecentTeardowns(capacity int) *RecentTeardowns {
	if capacity <= 0 {
		capacity = 64
	}
	return &RecentTeardowns{cap: capacity}
}

func (r *RecentTeardowns) Add(ev ConnEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = ev
		return
	}
	r.list = append(r.list, ev)
}

func (r *RecentTeardowns) List() []ConnEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnEvent, len(r.list))
	copy(out, r.list)
	return out
}
