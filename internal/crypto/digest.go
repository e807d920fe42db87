package crypto

import (
	"sync"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
)

// Digest is a running BLAKE3 hash over one direction of a meta stream.
// Both ends hash plaintext, so comparing the two sides' Sum for the same
// byte count shows where a stream desynchronized.
type Digest struct {
	mu     sync.Mutex
	hasher *blake3.Hasher
	n      uint64
}

func NewDigest() *Digest {
	return &Digest{hasher: blake3.New(32, nil)}
}

func (d *Digest) Write(p []byte) {
	if d == nil || len(p) == 0 {
		return
	}
	d.mu.Lock()
	_, _ = d.hasher.Write(p)
	d.n += uint64(len(p))
	d.mu.Unlock()
}

// Len is the number of bytes hashed so far.
func (d *Digest) Len() uint64 {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

func (d *Digest) Sum() string {
	if d == nil {
		return ""
	}
	d.mu.Lock()
	sum := d.hasher.Sum(nil)
	d.mu.Unlock()
	return "blake3.32B-" + cristalbase64.URLEncoding.EncodeToString(sum)
}

// Fingerprint renders a short, printable identifier for key material.
func Fingerprint(key []byte) string {
	sum := blake3.Sum256(key)
	return cristalbase64.URLEncoding.EncodeToString(sum[:12])
}
