// Package types defines the content identities used to key cached
// evaluation results and stored program items.
//
// Identities are blake3 digests of a canonical encoding; their text form is
// base58 so that they fit in logs, flags and RPC payloads.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// HashSize is the length of a content identity.
const HashSize = 32

var (
	// ErrInvalidHash is returned when a hash has invalid length.
	ErrInvalidHash = errors.New("invalid hash: must be 32 bytes")
)

// Hash is a 32-byte blake3 digest.
type Hash [HashSize]byte

// HashFromBase58 parses a base58-encoded hash.
func HashFromBase58(s string) (Hash, error) {
	var h Hash
	data, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], data)
	return h, nil
}

// HashFromHex parses a hex-encoded hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	data, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("hex decode: %w", err)
	}
	if len(data) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], data)
	return h, nil
}

// HashFromBytes creates a Hash from a byte slice.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], b)
	return h, nil
}

// ComputeHash computes the blake3 digest of data.
func ComputeHash(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// Hasher accumulates a digest over several parts. Each part is length
// prefixed so that different splits of the same bytes hash differently.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher starts a digest under a domain label.
func NewHasher(domain string) *Hasher {
	hs := &Hasher{h: blake3.New()}
	hs.WriteString(domain)
	return hs
}

// Write adds one part.
func (hs *Hasher) Write(p []byte) {
	var n [8]byte
	l := uint64(len(p))
	for i := range n {
		n[i] = byte(l >> (8 * i))
	}
	hs.h.Write(n[:])
	hs.h.Write(p)
}

// WriteString adds one string part.
func (hs *Hasher) WriteString(s string) { hs.Write([]byte(s)) }

// Sum returns the digest of everything written so far.
func (hs *Hasher) Sum() Hash {
	var h Hash
	copy(h[:], hs.h.Sum(nil))
	return h
}

// String returns the base58-encoded representation.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// Short is the first eight base58 characters, for log lines.
func (h Hash) Short() string {
	s := h.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Hex returns the hex-encoded representation.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromBase58(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
