// Package constcache persists the results of constant evaluation keyed by
// content identity.
//
// Values are opaque byte strings produced by the evaluator; stores compress
// them with zstd before they reach the backing medium.
package constcache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/mirvm/internal/types"
)

var (
	// ErrNotFound is returned when a key has no cached result.
	ErrNotFound = errors.New("cached result not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("cache store closed")

	// ErrCorrupt is returned when a stored entry cannot be decompressed.
	ErrCorrupt = errors.New("corrupt cache entry")
)

// Store is a key/value store for encoded evaluation results. Implementations
// are safe for concurrent use.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(key types.Hash) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(key types.Hash, value []byte) error

	// Has reports whether key is present.
	Has(key types.Hash) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key types.Hash) error

	// Len returns the number of stored entries.
	Len() (int, error)

	// Close releases the store's resources.
	Close() error
}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

// codec returns shared zstd state. EncodeAll and DecodeAll are safe for
// concurrent use on a single encoder and decoder.
func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

// compress compresses data using zstd.
func compress(data []byte) ([]byte, error) {
	enc, _, err := codec()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, nil), nil
}

// decompress decompresses zstd-compressed data.
func decompress(data []byte) ([]byte, error) {
	_, dec, err := codec()
	if err != nil {
		return nil, err
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return out, nil
}
