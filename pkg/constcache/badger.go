package constcache

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/mirvm/internal/types"
)

// Key prefixes for BadgerDB storage.
var (
	// prefixResult is the prefix for evaluation results.
	// Key format: prefixResult + hash (32 bytes)
	prefixResult = []byte{0x01}
)

// BadgerConfig contains configuration for the persistent store.
type BadgerConfig struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// NumMemtables is the number of memtables.
	NumMemtables int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// Logger is an optional logger. Set to nil to disable logging.
	Logger badger.Logger
}

// DefaultBadgerConfig returns default configuration.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:             path,
		SyncWrites:       false,
		NumCompactors:    2,
		NumMemtables:     2,
		ValueLogFileSize: 64 << 20,
	}
}

// Validate checks the configuration.
func (c BadgerConfig) Validate() error {
	if c.Path == "" && !c.InMemory {
		return errors.New("badger cache: path is required unless in memory")
	}
	if c.NumCompactors < 2 {
		return errors.New("badger cache: at least 2 compactors are required")
	}
	return nil
}

// BadgerStore is a Store backed by BadgerDB. Entries survive restarts, so a
// result computed once is reused by every later evaluator that asks for the
// same identity.
type BadgerStore struct {
	db     *badger.DB
	closed atomic.Bool
}

// OpenBadger opens or creates a persistent store.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(cfg.NumCompactors).
		WithNumMemtables(cfg.NumMemtables).
		WithValueLogFileSize(cfg.ValueLogFileSize).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func resultKey(key types.Hash) []byte {
	k := make([]byte, 1+types.HashSize)
	k[0] = prefixResult[0]
	copy(k[1:], key[:])
	return k
}

// Get implements Store.
func (s *BadgerStore) Get(key types.Hash) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(resultKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return decompress(data)
}

// Put implements Store.
func (s *BadgerStore) Put(key types.Hash, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := compress(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(resultKey(key), data)
	})
}

// Has implements Store.
func (s *BadgerStore) Has(key types.Hash) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(resultKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// Delete implements Store.
func (s *BadgerStore) Delete(key types.Hash) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(resultKey(key))
	})
}

// Len implements Store.
func (s *BadgerStore) Len() (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixResult
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
