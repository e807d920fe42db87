package meta

import (
	"bytes"
	"errors"
	"sync"

	"meshd/internal/crypto"
	"meshd/internal/debuglog"
)

// Fixed connection salts for tests that build ciphers directly.
var (
	saltA = bytes.Repeat([]byte{0xa1}, crypto.SaltSize)
	saltB = bytes.Repeat([]byte{0xb2}, crypto.SaltSize)
)

type readResult struct {
	data []byte
	err  error
}

// scriptTransport replays a fixed sequence of read results and records
// writes. An exhausted script reads as would-block.
type scriptTransport struct {
	reads    []readResult
	writes   [][]byte
	writeErr error
}

func (s *scriptTransport) Read(p []byte) (int, error) {
	if len(s.reads) == 0 {
		return 0, ErrWouldBlock
	}
	r := s.reads[0]
	n := copy(p, r.data)
	if n < len(r.data) {
		s.reads[0].data = r.data[n:]
		return n, nil
	}
	s.reads = s.reads[1:]
	return n, r.err
}

func (s *scriptTransport) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.writes = append(s.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (s *scriptTransport) written() []byte {
	return bytes.Join(s.writes, nil)
}

// loopback is one end of an in-memory stream pair that hands out at most
// chunk bytes per read.
type loopback struct {
	in    bytes.Buffer
	peer  *loopback
	chunk int
}

func newLoopbackPair(chunk int) (*loopback, *loopback) {
	a := &loopback{chunk: chunk}
	b := &loopback{chunk: chunk}
	a.peer, b.peer = b, a
	return a, b
}

func (l *loopback) Read(p []byte) (int, error) {
	if l.in.Len() == 0 {
		return 0, ErrWouldBlock
	}
	if l.chunk > 0 && len(p) > l.chunk {
		p = p[:l.chunk]
	}
	return l.in.Read(p)
}

func (l *loopback) Write(p []byte) (int, error) {
	return l.peer.in.Write(p)
}

type recorder struct {
	blocks [][]byte
	lines  []string
	failOn string
	onLine func(c *Conn, line string)
}

func (r *recorder) HandleBlock(_ *Conn, block []byte) {
	r.blocks = append(r.blocks, append([]byte(nil), block...))
}

func (r *recorder) HandleRequest(c *Conn, line []byte) error {
	if r.failOn != "" && string(line) == r.failOn {
		return errors.New("rejected by test handler")
	}
	r.lines = append(r.lines, string(line))
	if r.onLine != nil {
		r.onLine(c, string(line))
	}
	return nil
}

func newRecordedConn(name string, t Transport) (*Conn, *recorder) {
	rec := &recorder{}
	c := NewConn(name, name+".example", t, Options{Blocks: rec, Requests: rec})
	return c, rec
}

// drainAll calls Receive until the transport reports would-block with nothing
// left, failing fast on an error.
func drainAll(c *Conn, l *loopback) error {
	for l.in.Len() > 0 {
		if err := c.Receive(); err != nil {
			return err
		}
	}
	return nil
}

// shortCipher violates the fixed-length contract.
type shortCipher struct{}

func (shortCipher) Encrypt(dst, src []byte) (int, error) {
	copy(dst, src)
	return len(src) - 1, nil
}

func (shortCipher) Decrypt(dst, src []byte) (int, error) {
	copy(dst, src)
	return len(src) - 1, nil
}

type failingCipher struct{}

func (failingCipher) Encrypt(dst, src []byte) (int, error) { return 0, errors.New("boom") }
func (failingCipher) Decrypt(dst, src []byte) (int, error) { return 0, errors.New("boom") }

// xorCipher is a stateless fixed-length transform for readable tests.
type xorCipher byte

func (x xorCipher) Encrypt(dst, src []byte) (int, error) {
	for i, b := range src {
		dst[i] = b ^ byte(x)
	}
	return len(src), nil
}

func (x xorCipher) Decrypt(dst, src []byte) (int, error) { return x.Encrypt(dst, src) }

// paddedCipher accepts one extra output byte through LengthChecker.
type paddedCipher struct{}

func (paddedCipher) Encrypt(dst, src []byte) (int, error) {
	copy(dst, src)
	return len(src) - 1, nil
}

func (paddedCipher) Decrypt(dst, src []byte) (int, error) {
	copy(dst, src)
	return len(src) - 1, nil
}

func (paddedCipher) ValidLength(in, out int) bool { return out == in-1 }

// growingCipher claims more output than input and accepts any length.
type growingCipher struct{}

func (growingCipher) Encrypt(dst, src []byte) (int, error) {
	copy(dst, src)
	return len(src) + 1, nil
}

func (growingCipher) Decrypt(dst, src []byte) (int, error) {
	copy(dst, src)
	return len(src) + 1, nil
}

func (growingCipher) ValidLength(in, out int) bool { return true }

type logCapture struct {
	mu     sync.Mutex
	levels []debuglog.Level
	msgs   []string
}

func (l *logCapture) sink(level debuglog.Level, msg string) {
	l.mu.Lock()
	l.levels = append(l.levels, level)
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
}

func (l *logCapture) count(level debuglog.Level) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, lv := range l.levels {
		if lv == level {
			n++
		}
	}
	return n
}
