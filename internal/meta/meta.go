// Package meta implements the meta-connection channel between daemon
// instances.
//
// A meta-connection carries two kinds of units on one byte stream:
// newline-terminated text requests and opaque blocks whose length was
// announced beforehand with (*Conn).ExpectBlock. Either direction may be
// encrypted with a fixed-length stream cipher, and the two directions are
// upgraded independently.
//
// The package does not own connection lifecycle. Send and Receive report
// failure through their error result and the caller tears the connection
// down.
package meta

import (
	"errors"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// MaxBufSize caps a single transport read.
const MaxBufSize = 2048 + 128

// DefaultMaxLineLength bounds how many bytes may accumulate in line mode
// without a terminator before the peer is considered broken.
const DefaultMaxLineLength = 64 << 10

var (
	ErrClosed      = errors.New("meta: connection closed by peer")
	ErrWouldBlock  = errors.New("meta: operation would block")
	ErrEncrypt     = errors.New("meta: encrypt failed")
	ErrDecrypt     = errors.New("meta: decrypt failed")
	ErrRequest     = errors.New("meta: request rejected")
	ErrLineTooLong = errors.New("meta: line too long")
	ErrDuplicate   = errors.New("meta: duplicate connection name")
)

// Transport is the byte stream under a meta-connection. A non-blocking
// transport reports "no data yet" with an error accepted by IsWouldBlock.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Cipher is a per-direction stream transform. dst always has len(src)
// bytes. On success the result length must pass the length check, which is
// equality unless the cipher implements LengthChecker.
type Cipher interface {
	Encrypt(dst, src []byte) (int, error)
	Decrypt(dst, src []byte) (int, error)
}

// LengthChecker lets a cipher with a different framing contract replace the
// default in == out check. It is only consulted for 0 <= out <= in: the
// destination never holds more than in bytes.
type LengthChecker interface {
	ValidLength(in, out int) bool
}

func validLength(c Cipher, in, out int) bool {
	if out < 0 || out > in {
		return false
	}
	if lc, ok := c.(LengthChecker); ok {
		return lc.ValidLength(in, out)
	}
	return in == out
}

// BlockHandler consumes a length-announced block. The slice is only valid
// during the call.
type BlockHandler interface {
	HandleBlock(c *Conn, block []byte)
}

// RequestHandler consumes one request line, without its terminator. A
// non-nil error ends the connection. The slice is only valid during the call.
type RequestHandler interface {
	HandleRequest(c *Conn, line []byte) error
}

type BlockHandlerFunc func(c *Conn, block []byte)

func (f BlockHandlerFunc) HandleBlock(c *Conn, block []byte) { f(c, block) }

type RequestHandlerFunc func(c *Conn, line []byte) error

func (f RequestHandlerFunc) HandleRequest(c *Conn, line []byte) error { return f(c, line) }

// IsWouldBlock reports whether err only means that no data is available yet.
func IsWouldBlock(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWouldBlock) ||
		errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EWOULDBLOCK) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
