package meta

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"meshd/internal/debuglog"
)

// Receive performs one read from the transport and dispatches every complete
// unit that is now available. It returns nil when the connection should stay
// up, which includes a read that would block. Any non-nil error means the
// caller must tear the connection down; ErrClosed marks a clean close by the
// peer.
func (c *Conn) Receive() error {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	n, rerr := c.transport.Read(c.scratch)
	if n > 0 {
		c.bytesIn.Add(uint64(n))
		c.metrics.AddBytesIn(n)
		debuglog.Tracef("received %d bytes of metadata from %s (%s)", n, c.Name, c.Hostname)
		if err := c.consume(c.scratch[:n]); err != nil {
			return err
		}
		if rerr == nil {
			return nil
		}
	}
	return c.readFailure(n, rerr)
}

func (c *Conn) readFailure(n int, err error) error {
	switch {
	case err == nil && n == 0, errors.Is(err, io.EOF):
		debuglog.Infof("connection closed by %s (%s)", c.Name, c.Hostname)
		c.metrics.IncClosed()
		return ErrClosed
	case IsWouldBlock(err):
		c.metrics.IncWouldBlock()
		return nil
	default:
		debuglog.Errorf("metadata socket read error for %s (%s): %v", c.Name, c.Hostname, err)
		c.metrics.IncReadErrors()
		return fmt.Errorf("meta: read from %s: %w", c.Name, err)
	}
}

// consume moves in into the accumulation buffer and drains units after each
// transfer. Plaintext is copied one line at a time so that a handler may
// switch on decryption for the bytes that follow its line.
func (c *Conn) consume(in []byte) error {
	for len(in) > 0 {
		if c.inCipher == nil {
			end := bytes.IndexByte(in, '\n') + 1
			if end == 0 {
				end = len(in)
			}
			c.buf.Write(in[:end])
			c.inDigest.Write(in[:end])
			in = in[end:]
		} else {
			debuglog.Tracef("received encrypted %d bytes from %s", len(in), c.Name)
			c.buf.Grow(len(in))
			dst := c.buf.AvailableBuffer()[:len(in)]
			m, err := c.inCipher.Decrypt(dst, in)
			if err == nil && !validLength(c.inCipher, len(in), m) {
				err = fmt.Errorf("output length %d for %d input bytes", m, len(in))
			}
			if err != nil {
				debuglog.Errorf("error while decrypting metadata from %s (%s): %v", c.Name, c.Hostname, err)
				c.metrics.IncDecryptFail()
				return fmt.Errorf("%w from %s: %v", ErrDecrypt, c.Name, err)
			}
			c.buf.Write(dst[:m])
			c.inDigest.Write(dst[:m])
			in = nil
		}
		if err := c.drain(); err != nil {
			return err
		}
	}
	return nil
}

// drain hands complete units from the front of the buffer to the handlers.
func (c *Conn) drain() error {
	for c.buf.Len() > 0 {
		if n, ok := c.mode.Block(); ok {
			if uint(c.buf.Len()) < n {
				return nil
			}
			block := c.buf.Next(int(n))
			c.mode = LineMode()
			c.blocksIn.Add(1)
			c.metrics.IncBlocks()
			debuglog.Tracef("block of %d bytes from %s", n, c.Name)
			if c.blocks != nil {
				c.blocks.HandleBlock(c, block)
			}
			continue
		}

		idx := bytes.IndexByte(c.buf.Bytes(), '\n')
		if idx < 0 {
			if c.buf.Len() > c.maxLine {
				debuglog.Errorf("request line from %s (%s) exceeds %d bytes", c.Name, c.Hostname, c.maxLine)
				c.metrics.IncRequestReject()
				return fmt.Errorf("%w from %s: %d bytes buffered", ErrLineTooLong, c.Name, c.buf.Len())
			}
			return nil
		}
		line := trimLine(c.buf.Next(idx + 1))
		c.requestsIn.Add(1)
		c.metrics.IncRequests()
		if c.requests == nil {
			continue
		}
		if err := c.requests.HandleRequest(c, line); err != nil {
			debuglog.Errorf("request from %s (%s) rejected: %v", c.Name, c.Hostname, err)
			c.metrics.IncRequestReject()
			return fmt.Errorf("%w from %s: %w", ErrRequest, c.Name, err)
		}
	}
	return nil
}

// trimLine strips the '\n' and one optional '\r' before it.
func trimLine(line []byte) []byte {
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}
