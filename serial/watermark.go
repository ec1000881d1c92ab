package serial

import (
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

// Watermark tracks the highest committed serial ever observed per ledger
// namespace, outside the allocator's own store, to detect a store restored
// from an older copy.
type Watermark interface {
	MaxCommitted(namespace string) Number
	SetMaxCommitted(namespace string, n Number) error
}

// MemoryWatermark is an in-memory implementation suitable for tests.
type MemoryWatermark struct {
	mu    sync.RWMutex
	marks map[string]Number
}

// NewMemoryWatermark returns an in-memory watermark suitable for testing and single-process use.
func NewMemoryWatermark() *MemoryWatermark {
	return &MemoryWatermark{
		marks: make(map[string]Number),
	}
}

func (w *MemoryWatermark) MaxCommitted(namespace string) Number {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.marks[namespace]
}

func (w *MemoryWatermark) SetMaxCommitted(namespace string, n Number) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n.Less(w.marks[namespace]) {
		return ErrRollbackDetected
	}
	w.marks[namespace] = n
	return nil
}

var watermarkBucket = []byte("__serial_watermark")

// BoltWatermark persists the committed high-water mark in a dedicated
// BBolt bucket. It uses a write-through cache: reads come from an
// in-memory map, writes persist to BBolt and then update the map.
//
// Keep it in a different file from the allocator's store: a watermark
// restored together with the store detects nothing.
type BoltWatermark struct {
	db    *bbolt.DB
	mu    sync.RWMutex
	cache map[string]Number
}

// NewBoltWatermark returns a persistent watermark backed by a BBolt database.
func NewBoltWatermark(db *bbolt.DB) (*BoltWatermark, error) {
	w := &BoltWatermark{
		db:    db,
		cache: make(map[string]Number),
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(watermarkBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			n, err := Parse(string(v))
			if err != nil {
				return fmt.Errorf("watermark %s: %w", k, err)
			}
			w.cache[string(k)] = n
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// NewBoltWatermarkFromFile opens a BBolt database at the given path and returns a new BoltWatermark.
func NewBoltWatermarkFromFile(path string, options *bbolt.Options) (*BoltWatermark, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	w, err := NewBoltWatermark(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

// Close closes the underlying database.
func (w *BoltWatermark) Close() error {
	return w.db.Close()
}

func (w *BoltWatermark) MaxCommitted(namespace string) Number {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cache[namespace]
}

func (w *BoltWatermark) SetMaxCommitted(namespace string, n Number) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n.Less(w.cache[namespace]) {
		return ErrRollbackDetected
	}

	err := w.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(watermarkBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(namespace), []byte(n.String()))
	})
	if err != nil {
		return err
	}

	w.cache[namespace] = n
	return nil
}
