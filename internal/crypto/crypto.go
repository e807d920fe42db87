// internal/crypto/crypto.go
package crypto

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// meshd meta crypto
//
// - meta traffic uses an unauthenticated stream cipher (XChaCha20), so
//   ciphertext length always equals plaintext length
// - one cipher instance per direction, keys derived with the SHA3-256 KDF
// -----------------------------------------------------------------------------

const (
	KeySize   = chacha20.KeySize    // 32
	NonceSize = chacha20.NonceSizeX // 24
)

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// -----------------------------------------------------------------------------
// XChaCha20 stream cipher
// -----------------------------------------------------------------------------

var errCipherClosed = errors.New("stream cipher not initialized")

// StreamCipher is a fixed-length transform: Encrypt and Decrypt both XOR the
// keystream, so a StreamCipher is only ever used for one direction.
type StreamCipher struct {
	mu sync.Mutex
	s  *chacha20.Cipher
}

func NewStreamCipher(key, nonce []byte) (*StreamCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", NonceSize)
	}
	s, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, err
	}
	return &StreamCipher{s: s}, nil
}

func (c *StreamCipher) Encrypt(dst, src []byte) (int, error) {
	return c.xor(dst, src)
}

func (c *StreamCipher) Decrypt(dst, src []byte) (int, error) {
	return c.xor(dst, src)
}

func (c *StreamCipher) xor(dst, src []byte) (int, error) {
	if c == nil {
		return 0, errCipherClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.s == nil {
		return 0, errCipherClosed
	}
	if len(dst) < len(src) {
		return 0, fmt.Errorf("short destination: %d < %d", len(dst), len(src))
	}
	c.s.XORKeyStream(dst[:len(src)], src)
	return len(src), nil
}

// Destroy drops the keystream state; later calls fail.
func (c *StreamCipher) Destroy() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.s = nil
	c.mu.Unlock()
}
