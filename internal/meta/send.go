package meta

import (
	"fmt"

	"meshd/internal/debuglog"
)

// Send writes data to the peer, encrypting it first when outbound encryption
// is on. It performs exactly one transport write and adds no framing.
// A nil connection is a caller bug and panics.
func (c *Conn) Send(data []byte) error {
	if c == nil {
		debuglog.Errorf("meta: Send called with nil connection")
		panic("meta: Send called with nil connection")
	}
	debuglog.Tracef("sending %d bytes of metadata to %s (%s)", len(data), c.Name, c.Hostname)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	out := data
	if c.outCipher != nil {
		if cap(c.encBuf) < len(data) {
			c.encBuf = make([]byte, len(data))
		}
		enc := c.encBuf[:len(data)]
		n, err := c.outCipher.Encrypt(enc, data)
		if err == nil && !validLength(c.outCipher, len(data), n) {
			err = fmt.Errorf("output length %d for %d input bytes", n, len(data))
		}
		if err != nil {
			debuglog.Errorf("error while encrypting metadata to %s (%s): %v", c.Name, c.Hostname, err)
			c.metrics.IncEncryptFail()
			return fmt.Errorf("%w to %s: %v", ErrEncrypt, c.Name, err)
		}
		out = enc[:n]
		debuglog.Tracef("encrypted write to %s: %d bytes", c.Name, len(out))
	} else {
		debuglog.Tracef("unencrypted write to %s: %d bytes", c.Name, len(out))
	}

	if _, err := c.transport.Write(out); err != nil {
		debuglog.Errorf("metadata write error for %s (%s): %v", c.Name, c.Hostname, err)
		c.metrics.IncWriteErrors()
		return fmt.Errorf("meta: write to %s: %w", c.Name, err)
	}
	c.outDigest.Write(data)
	c.bytesOut.Add(uint64(len(out)))
	c.metrics.AddBytesOut(len(out))
	return nil
}

// Send is the function form of (*Conn).Send.
func Send(c *Conn, data []byte) error {
	return c.Send(data)
}
