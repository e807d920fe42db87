package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	cristalbase64 "github.com/cristalhq/base64"
)

const (
	labelKDFMaster = "meshd:meta:kdf:v1"
	labelDirKey    = "meshd:meta:key:v2"
	labelDirNonce  = "meshd:meta:nonce:v2"
	labelPair      = "meshd:meta:pair:v1"
)

// SaltSize is the length of the per-connection value each side announces in
// its ID line.
const SaltSize = 16

// MetaKeys holds the key material for both directions of one meta-connection.
// The peer derives the mirror image: our Send* is its Recv*.
type MetaKeys struct {
	SendKey   []byte
	SendNonce []byte
	RecvKey   []byte
	RecvNonce []byte
}

// NewSalt returns a fresh random per-connection salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	return salt, nil
}

func EncodeSalt(salt []byte) string {
	return cristalbase64.URLEncoding.EncodeToString(salt)
}

func DecodeSalt(s string) ([]byte, error) {
	salt, err := cristalbase64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad salt %q: %w", s, err)
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("bad salt size %d: need %d", len(salt), SaltSize)
	}
	return salt, nil
}

func checkPair(psk []byte, from, to string) error {
	if len(psk) == 0 {
		return errors.New("empty key material")
	}
	if from == "" || to == "" {
		return errors.New("missing node name")
	}
	if from == to {
		return errors.New("local and remote names must differ")
	}
	return nil
}

// DirectionKeys derives the key and nonce that from uses to encrypt toward
// to. salt is the sender's own per-connection salt, so every connection runs
// a fresh keystream even between the same two nodes.
func DirectionKeys(psk []byte, from, to string, salt []byte) (key, nonce []byte, err error) {
	if err := checkPair(psk, from, to); err != nil {
		return nil, nil, err
	}
	if len(salt) != SaltSize {
		return nil, nil, fmt.Errorf("bad salt size %d: need %d", len(salt), SaltSize)
	}
	master := KDF(labelKDFMaster, psk)
	dir := direction(from, to)
	key = KDF(labelDirKey, master, dir, salt)
	nonce = KDF(labelDirNonce, master, dir, salt)[:NonceSize]
	return key, nonce, nil
}

// DeriveMetaKeys derives both directions. localSalt is the salt we announced,
// remoteSalt the one the peer announced.
func DeriveMetaKeys(psk []byte, local, remote string, localSalt, remoteSalt []byte) (MetaKeys, error) {
	sk, sn, err := DirectionKeys(psk, local, remote, localSalt)
	if err != nil {
		return MetaKeys{}, err
	}
	rk, rn, err := DirectionKeys(psk, remote, local, remoteSalt)
	if err != nil {
		return MetaKeys{}, err
	}
	return MetaKeys{SendKey: sk, SendNonce: sn, RecvKey: rk, RecvNonce: rn}, nil
}

// PairFingerprint identifies the static key material from one node toward
// another, without any connection salt. Operators compare it across hosts to
// check that both sides hold the same PSK.
func PairFingerprint(psk []byte, from, to string) (string, error) {
	if err := checkPair(psk, from, to); err != nil {
		return "", err
	}
	return Fingerprint(KDF(labelPair, KDF(labelKDFMaster, psk), direction(from, to))), nil
}

// NewMetaCiphers builds the outbound and inbound stream ciphers for keys.
func NewMetaCiphers(keys MetaKeys) (out, in *StreamCipher, err error) {
	out, err = NewStreamCipher(keys.SendKey, keys.SendNonce)
	if err != nil {
		return nil, nil, err
	}
	in, err = NewStreamCipher(keys.RecvKey, keys.RecvNonce)
	if err != nil {
		return nil, nil, err
	}
	return out, in, nil
}

func direction(from, to string) []byte {
	buf := make([]byte, 0, len(from)+len(to)+1)
	buf = append(buf, from...)
	buf = append(buf, 0)
	buf = append(buf, to...)
	return buf
}
