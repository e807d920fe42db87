package meta

import (
	"bytes"
	"sync"
	"sync/atomic"

	"meshd/internal/crypto"
	"meshd/internal/metrics"
)

type Options struct {
	Blocks        BlockHandler
	Requests      RequestHandler
	MaxBufSize    int
	MaxLineLength int
	Metrics       *metrics.Metrics
}

// Conn is one meta-link to another daemon.
//
// The write side (outbound cipher and transport writes) is guarded by its own
// mutex, so Send may be called from any goroutine, including from handlers.
// The read side (accumulation buffer, parse mode, inbound cipher) belongs to
// Receive: SetInCipher and ExpectBlock must be called either from a handler
// that Receive invoked, or while no Receive is running.
type Conn struct {
	Name     string
	Hostname string

	transport Transport
	blocks    BlockHandler
	requests  RequestHandler
	metrics   *metrics.Metrics
	maxLine   int

	active atomic.Bool

	wmu       sync.Mutex
	outCipher Cipher
	encBuf    []byte
	outDigest *crypto.Digest

	rmu      sync.Mutex
	inCipher Cipher
	mode     ParseMode
	buf      bytes.Buffer
	scratch  []byte
	inDigest *crypto.Digest

	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	blocksIn   atomic.Uint64
	requestsIn atomic.Uint64
}

func NewConn(name, hostname string, t Transport, opts Options) *Conn {
	if t == nil {
		panic("meta: NewConn with nil transport")
	}
	bufSize := opts.MaxBufSize
	if bufSize <= 0 {
		bufSize = MaxBufSize
	}
	maxLine := opts.MaxLineLength
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	return &Conn{
		Name:      name,
		Hostname:  hostname,
		transport: t,
		blocks:    opts.Blocks,
		requests:  opts.Requests,
		metrics:   opts.Metrics,
		maxLine:   maxLine,
		scratch:   make([]byte, bufSize),
		outDigest: crypto.NewDigest(),
		inDigest:  crypto.NewDigest(),
	}
}

func (c *Conn) Transport() Transport { return c.transport }

func (c *Conn) SetActive(v bool) { c.active.Store(v) }

func (c *Conn) Active() bool { return c.active.Load() }

// SetOutCipher enables outbound encryption for every later Send. nil turns
// it off.
func (c *Conn) SetOutCipher(ci Cipher) {
	c.wmu.Lock()
	c.outCipher = ci
	c.wmu.Unlock()
}

func (c *Conn) EncryptOut() bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.outCipher != nil
}

// SetInCipher enables inbound decryption. Bytes of the current read that
// follow the request line being handled are decrypted.
func (c *Conn) SetInCipher(ci Cipher) {
	c.inCipher = ci
}

func (c *Conn) DecryptIn() bool { return c.inCipher != nil }

// ExpectBlock announces that the next n buffered bytes form one block.
// ExpectBlock(0) returns to line mode.
func (c *Conn) ExpectBlock(n uint) {
	c.mode = BlockMode(n)
}

func (c *Conn) Mode() ParseMode { return c.mode }

// Buffered is the number of plaintext bytes waiting for a complete unit.
func (c *Conn) Buffered() int { return c.buf.Len() }

type Stats struct {
	Name      string
	Hostname  string
	BytesIn   uint64
	BytesOut  uint64
	Blocks    uint64
	Requests  uint64
	InDigest  string
	OutDigest string
}

func (c *Conn) Stats() Stats {
	return Stats{
		Name:      c.Name,
		Hostname:  c.Hostname,
		BytesIn:   c.bytesIn.Load(),
		BytesOut:  c.bytesOut.Load(),
		Blocks:    c.blocksIn.Load(),
		Requests:  c.requestsIn.Load(),
		InDigest:  c.inDigest.Sum(),
		OutDigest: c.outDigest.Sum(),
	}
}

func (c *Conn) String() string {
	if c == nil {
		return "<nil>"
	}
	return c.Name + " (" + c.Hostname + ")"
}
