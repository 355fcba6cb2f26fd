// Package kv provides the ordered, transactional key-value abstraction that
// every persistence store in internal/store is built on (spec §4.2). The
// production Store is backed by Badger; an in-memory Store backs unit tests
// without touching disk, mirroring the teacher's StorageBackend /
// MemoryStorageBackend split (system/sandbox/storage.go).
package kv

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/r3e-network/workflow-engine/internal/apperr"
)

// ErrKeyNotFound is returned by Txn.Get when the key does not exist.
var ErrKeyNotFound = errors.New("kv: key not found")

// ErrConflict is returned when a transaction could not commit because of a
// write conflict with another concurrent transaction.
var ErrConflict = errors.New("kv: transaction conflict")

// KV is the ordered, transactional key-value store every persistence store
// is built on.
type KV interface {
	// Update runs fn inside a read-write transaction. If fn returns nil the
	// transaction commits. BadgerKV retries a conflicting commit itself
	// (internal/resilience) and, once retries are exhausted, returns a
	// Conflict-kind error wrapping ErrConflict.
	Update(ctx context.Context, fn func(txn Txn) error) error
	// View runs fn inside a read-only transaction.
	View(ctx context.Context, fn func(txn Txn) error) error
	// Close releases underlying resources.
	Close() error
}

// Txn is the per-transaction read/write surface.
type Txn interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Scan iterates keys in [startKey, endKey) in ascending order, stopping
	// early if fn returns false. endKey == nil means "to the end of the
	// keyspace".
	Scan(startKey, endKey []byte, fn func(key, value []byte) (keepGoing bool, err error)) error
}

// memKV is an in-memory KV used by unit tests.
type memKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an in-memory KV, analogous to the teacher's
// MemoryStorageBackend.
func NewMemory() KV {
	return &memKV{data: make(map[string][]byte)}
}

type memTxn struct {
	kv      *memKV
	write   bool
	snap    map[string][]byte // snapshot at transaction start, for read isolation
	writes  map[string][]byte
	deletes map[string]bool
}

func (m *memKV) newTxn(write bool) *memTxn {
	m.mu.RLock()
	snap := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		snap[k] = v
	}
	m.mu.RUnlock()
	return &memTxn{kv: m, write: write, snap: snap, writes: map[string][]byte{}, deletes: map[string]bool{}}
}

func (m *memKV) Update(ctx context.Context, fn func(txn Txn) error) error {
	t := m.newTxn(true)
	if err := fn(t); err != nil {
		return err
	}
	return t.commit()
}

func (m *memKV) View(ctx context.Context, fn func(txn Txn) error) error {
	t := m.newTxn(false)
	return fn(t)
}

func (m *memKV) Close() error { return nil }

func (t *memTxn) commit() error {
	t.kv.mu.Lock()
	defer t.kv.mu.Unlock()
	for k, v := range t.writes {
		t.kv.data[k] = v
	}
	for k := range t.deletes {
		delete(t.kv.data, k)
	}
	return nil
}

func (t *memTxn) Get(key []byte) ([]byte, error) {
	k := string(key)
	if t.deletes[k] {
		return nil, ErrKeyNotFound
	}
	if v, ok := t.writes[k]; ok {
		return v, nil
	}
	if v, ok := t.snap[k]; ok {
		return v, nil
	}
	return nil, ErrKeyNotFound
}

func (t *memTxn) Set(key, value []byte) error {
	if !t.write {
		return apperr.Internal("write in read-only transaction", nil)
	}
	k := string(key)
	delete(t.deletes, k)
	cp := make([]byte, len(value))
	copy(cp, value)
	t.writes[k] = cp
	return nil
}

func (t *memTxn) Delete(key []byte) error {
	if !t.write {
		return apperr.Internal("write in read-only transaction", nil)
	}
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = true
	return nil
}

func (t *memTxn) Scan(startKey, endKey []byte, fn func(key, value []byte) (bool, error)) error {
	merged := make(map[string][]byte, len(t.snap))
	for k, v := range t.snap {
		merged[k] = v
	}
	for k, v := range t.writes {
		merged[k] = v
	}
	for k := range t.deletes {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		if inRange([]byte(k), startKey, endKey) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		keepGoing, err := fn([]byte(k), merged[k])
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
	return nil
}

func inRange(key, start, end []byte) bool {
	if bytes.Compare(key, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(key, end) >= 0 {
		return false
	}
	return true
}
