// Package irstore persists IR programs in BoltDB so that large programs can
// be served to the interpreter without decoding every body up front.
//
// Bodies, const initializers and statics live in their own buckets, keyed by
// name and stored as zstd-compressed JSON. Decoded bodies are cached so that
// repeated lookups return the same *ir.Body, which the interpreter relies on
// for frame identity.
package irstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fortiblox/mirvm/internal/types"
	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("irstore closed")

	// ErrEmpty is returned by Export and Fingerprint before any import.
	ErrEmpty = errors.New("no program imported")

	// ErrReadOnly is returned by Import on a read-only store.
	ErrReadOnly = errors.New("irstore is read-only")
)

// Bucket names for BoltDB.
var (
	// bucketBodies stores function bodies keyed by function name.
	bucketBodies = []byte("bodies")

	// bucketConsts stores const item initializers keyed by item name.
	bucketConsts = []byte("consts")

	// bucketStatics stores statics keyed by item name.
	bucketStatics = []byte("statics")

	// bucketMetadata stores program-wide data.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyFingerprint = []byte("fingerprint")
	keyExterns     = []byte("externs")
	keyImpls       = []byte("impls")
	keyImportedAt  = []byte("imported_at")
)

// Config holds store configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Timeout bounds the wait for the file lock.
	Timeout time.Duration
}

// DefaultConfig returns the default store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// Stats contains store statistics.
type Stats struct {
	Bodies       int
	Consts       int
	Statics      int
	Impls        int
	CachedBodies int
	Fingerprint  types.Hash
	ImportedAt   time.Time
}

// Store is a BoltDB-backed program. It satisfies interp.BodySource,
// interp.ImplResolver and consteval.ItemSource.
type Store struct {
	db     *bolt.DB
	config Config

	mu       sync.RWMutex
	bodies   map[ir.FnRef]*ir.Body
	consts   map[string]*ir.Body
	statics  map[string]*ir.Static
	impls    []ir.Impl
	implIdx  map[string]ir.FnRef
	externs  []ir.FnRef
	finger   types.Hash
	imported time.Time
	closed   bool

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open creates or opens a store at the configured path.
func Open(config Config) (*Store, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  config.Timeout,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	s := &Store{
		db:     db,
		config: config,
		enc:    enc,
		dec:    dec,
	}
	s.resetCaches()

	if !config.ReadOnly {
		if err := s.initBuckets(); err != nil {
			s.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	if err := s.loadMetadata(); err != nil {
		s.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return s, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBodies, bucketConsts, bucketStatics, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) resetCaches() {
	s.bodies = make(map[ir.FnRef]*ir.Body)
	s.consts = make(map[string]*ir.Body)
	s.statics = make(map[string]*ir.Static)
	s.impls = nil
	s.implIdx = make(map[string]ir.FnRef)
	s.externs = nil
	s.finger = types.Hash{}
	s.imported = time.Time{}
}

// loadMetadata reads the small program-wide values into memory.
func (s *Store) loadMetadata() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil // Empty read-only database.
		}
		if v := meta.Get(keyFingerprint); v != nil {
			h, err := types.HashFromBytes(v)
			if err != nil {
				return err
			}
			s.finger = h
		}
		if v := meta.Get(keyImportedAt); v != nil {
			if err := s.imported.UnmarshalBinary(v); err != nil {
				return err
			}
		}
		if v := meta.Get(keyExterns); v != nil {
			if err := s.decode(v, &s.externs); err != nil {
				return fmt.Errorf("externs: %w", err)
			}
		}
		if v := meta.Get(keyImpls); v != nil {
			if err := s.decode(v, &s.impls); err != nil {
				return fmt.Errorf("impls: %w", err)
			}
		}
		for _, im := range s.impls {
			s.implIdx[ir.ImplKey(im.SelfTy, im.Method)] = im.Fn
		}
		return nil
	})
}

// encode marshals v as compressed JSON. The IR is JSON-native; gob would
// drop pointers to zero-valued nodes such as the unit type.
func (s *Store) encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return s.enc.EncodeAll(data, nil), nil
}

func (s *Store) decode(data []byte, v interface{}) error {
	raw, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	return json.Unmarshal(raw, v)
}

// Import replaces the stored program with p in a single transaction.
func (s *Store) Import(p *ir.Program) error {
	if s.config.ReadOnly {
		return ErrReadOnly
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("validate program: %w", err)
	}
	finger, err := fingerprint(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := time.Now().UTC()
	err = s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBodies, bucketConsts, bucketStatics, bucketMetadata} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return fmt.Errorf("clear bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}

		bodies := tx.Bucket(bucketBodies)
		for fn, body := range p.Bodies {
			if err := s.put(bodies, []byte(fn), body); err != nil {
				return fmt.Errorf("body %s: %w", fn, err)
			}
		}
		consts := tx.Bucket(bucketConsts)
		for name, body := range p.Consts {
			if err := s.put(consts, []byte(name), body); err != nil {
				return fmt.Errorf("const %s: %w", name, err)
			}
		}
		statics := tx.Bucket(bucketStatics)
		for name, st := range p.Statics {
			if err := s.put(statics, []byte(name), st); err != nil {
				return fmt.Errorf("static %s: %w", name, err)
			}
		}

		meta := tx.Bucket(bucketMetadata)
		if err := s.put(meta, keyExterns, p.Externs); err != nil {
			return err
		}
		if err := s.put(meta, keyImpls, p.Impls); err != nil {
			return err
		}
		stamp, err := now.MarshalBinary()
		if err != nil {
			return err
		}
		if err := meta.Put(keyImportedAt, stamp); err != nil {
			return err
		}
		return meta.Put(keyFingerprint, finger.Bytes())
	})
	if err != nil {
		return fmt.Errorf("import program: %w", err)
	}

	s.resetCaches()
	s.externs = append(s.externs, p.Externs...)
	s.impls = append(s.impls, p.Impls...)
	for _, im := range s.impls {
		s.implIdx[ir.ImplKey(im.SelfTy, im.Method)] = im.Fn
	}
	s.finger = finger
	s.imported = now
	return nil
}

func (s *Store) put(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := s.encode(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// load reads and decodes one entry; found is false when the key is absent.
func (s *Store) load(bucket, key []byte, v interface{}) (found bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		data := b.Get(key)
		if data == nil {
			return nil
		}
		found = true
		return s.decode(data, v)
	})
	return found, err
}

// BodyOf returns the IR of fn, decoding it on first use.
func (s *Store) BodyOf(fn ir.FnRef) (*ir.Body, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	body, ok := s.bodies[fn]
	s.mu.RUnlock()
	if ok {
		return body, nil
	}

	body = new(ir.Body)
	found, err := s.load(bucketBodies, []byte(fn), body)
	if err != nil {
		return nil, fmt.Errorf("load body %s: %w", fn, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ir.ErrNoBody, fn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another reader may have won the race; keep the first copy.
	if cached, ok := s.bodies[fn]; ok {
		return cached, nil
	}
	s.bodies[fn] = body
	return body, nil
}

// ConstOf returns the initializer of the named const item.
func (s *Store) ConstOf(name string) (*ir.Body, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	body, ok := s.consts[name]
	s.mu.RUnlock()
	if ok {
		return body, nil
	}

	body = new(ir.Body)
	found, err := s.load(bucketConsts, []byte(name), body)
	if err != nil {
		return nil, fmt.Errorf("load const %s: %w", name, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: const %s", ir.ErrNoItem, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.consts[name]; ok {
		return cached, nil
	}
	s.consts[name] = body
	return body, nil
}

// StaticOf returns the named static.
func (s *Store) StaticOf(name string) (*ir.Static, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	st, ok := s.statics[name]
	s.mu.RUnlock()
	if ok {
		return st, nil
	}

	st = new(ir.Static)
	found, err := s.load(bucketStatics, []byte(name), st)
	if err != nil {
		return nil, fmt.Errorf("load static %s: %w", name, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: static %s", ir.ErrNoItem, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.statics[name]; ok {
		return cached, nil
	}
	s.statics[name] = st
	return st, nil
}

// ResolveImpl returns the concrete function implementing method for ty.
func (s *Store) ResolveImpl(ty ir.Ty, method string) (ir.FnRef, error) {
	if !ty.IsConcrete() {
		return "", fmt.Errorf("%w: %s is not concrete", ir.ErrNoImpl, ty)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrClosed
	}
	key := ir.ImplKey(ty, method)
	fn, ok := s.implIdx[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ir.ErrNoImpl, key)
	}
	return fn, nil
}

// IsExtern reports whether fn was declared without a body.
func (s *Store) IsExtern(fn ir.FnRef) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.externs {
		if e == fn {
			return true
		}
	}
	return false
}

// FnNames returns the stored function names in sorted order.
func (s *Store) FnNames() ([]ir.FnRef, error) {
	var names []ir.FnRef
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBodies)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			names = append(names, ir.FnRef(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Bolt keys are byte-ordered; sort anyway to match ir.Program.
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names, nil
}

// Fingerprint returns the hash of the program recorded at import time.
func (s *Store) Fingerprint() (types.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.Hash{}, ErrClosed
	}
	if s.finger.IsZero() {
		return types.Hash{}, ErrEmpty
	}
	return s.finger, nil
}

// Export decodes the whole stored program.
func (s *Store) Export() (*ir.Program, error) {
	s.mu.RLock()
	closed, empty := s.closed, s.finger.IsZero()
	externs := append([]ir.FnRef(nil), s.externs...)
	impls := append([]ir.Impl(nil), s.impls...)
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if empty {
		return nil, ErrEmpty
	}

	p := ir.NewProgram()
	p.Externs = externs
	p.Impls = impls
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBodies).ForEach(func(k, v []byte) error {
			body := new(ir.Body)
			if err := s.decode(v, body); err != nil {
				return fmt.Errorf("body %s: %w", k, err)
			}
			p.Bodies[ir.FnRef(k)] = body
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketConsts).ForEach(func(k, v []byte) error {
			body := new(ir.Body)
			if err := s.decode(v, body); err != nil {
				return fmt.Errorf("const %s: %w", k, err)
			}
			p.Consts[string(k)] = body
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketStatics).ForEach(func(k, v []byte) error {
			st := new(ir.Static)
			if err := s.decode(v, st); err != nil {
				return fmt.Errorf("static %s: %w", k, err)
			}
			p.Statics[string(k)] = st
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("export program: %w", err)
	}
	return p, nil
}

// GetStats returns store statistics.
func (s *Store) GetStats() (*Stats, error) {
	s.mu.RLock()
	stats := &Stats{
		Impls:        len(s.impls),
		CachedBodies: len(s.bodies),
		Fingerprint:  s.finger,
		ImportedAt:   s.imported,
	}
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketBodies); b != nil {
			stats.Bodies = b.Stats().KeyN
		}
		if b := tx.Bucket(bucketConsts); b != nil {
			stats.Consts = b.Stats().KeyN
		}
		if b := tx.Bucket(bucketStatics); b != nil {
			stats.Statics = b.Stats().KeyN
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

// fingerprint hashes the canonical JSON form of p. It matches
// consteval.Fingerprint so cached constants can be keyed by either.
func fingerprint(p *ir.Program) (types.Hash, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return types.Hash{}, fmt.Errorf("encode program: %w", err)
	}
	h := types.NewHasher("mirvm.program.v1")
	h.Write(data)
	return h.Sum(), nil
}
