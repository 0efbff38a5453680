package constcache

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fortiblox/mirvm/internal/types"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	bs, err := OpenBadger(DefaultBadgerConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"badger": bs,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestStoreBasics(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			key := types.ComputeHash([]byte("k"))
			if _, err := s.Get(key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get() on empty store error = %v, want %v", err, ErrNotFound)
			}

			value := bytes.Repeat([]byte("const"), 100)
			if err := s.Put(key, value); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			got, err := s.Get(key)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if !bytes.Equal(got, value) {
				t.Errorf("Get() returned %d bytes, want %d", len(got), len(value))
			}
			if ok, _ := s.Has(key); !ok {
				t.Error("Has() = false after Put")
			}
			if n, _ := s.Len(); n != 1 {
				t.Errorf("Len() = %d, want 1", n)
			}

			if err := s.Delete(key); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if ok, _ := s.Has(key); ok {
				t.Error("Has() = true after Delete")
			}
		})
	}
}

func TestStoreConcurrent(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					key := types.ComputeHash([]byte(fmt.Sprint(i)))
					if err := s.Put(key, []byte(fmt.Sprint("v", i))); err != nil {
						t.Errorf("Put(%d) error = %v", i, err)
					}
				}(i)
			}
			wg.Wait()
			if n, _ := s.Len(); n != 8 {
				t.Errorf("Len() = %d, want 8", n)
			}
		})
	}
}

func TestBadgerPersists(t *testing.T) {
	dir := t.TempDir()
	key := types.ComputeHash([]byte("persist"))

	s, err := OpenBadger(DefaultBadgerConfig(dir))
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	if err := s.Put(key, []byte("1024")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := s.Get(key); !errors.Is(err, ErrClosed) {
		t.Errorf("Get() after Close error = %v, want %v", err, ErrClosed)
	}

	s, err = OpenBadger(DefaultBadgerConfig(dir))
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	got, err := s.Get(key)
	if err != nil || string(got) != "1024" {
		t.Errorf("Get() after reopen = %q, %v", got, err)
	}
}

func TestBadgerConfigValidate(t *testing.T) {
	cfg := DefaultBadgerConfig("")
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted empty path")
	}
	cfg.InMemory = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() in-memory error = %v", err)
	}
}
