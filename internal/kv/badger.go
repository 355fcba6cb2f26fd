package kv

import (
	"bytes"
	"context"
	"errors"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/r3e-network/workflow-engine/internal/apperr"
	"github.com/r3e-network/workflow-engine/internal/resilience"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

// BadgerKV is the production KV, an ordered transactional store backed by
// Badger. Conflicting commits are retried per internal/resilience's
// DefaultRetryConfig (up to 5 retries); other errors are returned at once.
type BadgerKV struct {
	db    *badger.DB
	log   *logger.Logger
	retry resilience.RetryConfig
}

// Options configures a BadgerKV.
type Options struct {
	Dir         string
	InMemory    bool // Badger's own in-memory mode, used by integration tests that want real txn semantics
	Logger      *logger.Logger
	RetryConfig *resilience.RetryConfig
}

// Open opens (or creates) a Badger database at opts.Dir.
func Open(opts Options) (*BadgerKV, error) {
	bopts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true)
	}
	bopts = bopts.WithLogger(nil) // Badger's internal logger is silenced; we log at the call site via pkg/logger

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, apperr.Persistence("failed to open badger store", err)
	}

	retryCfg := resilience.DefaultRetryConfig()
	if opts.RetryConfig != nil {
		retryCfg = *opts.RetryConfig
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewDefault()
	}

	return &BadgerKV{db: db, log: log, retry: retryCfg}, nil
}

func (b *BadgerKV) Close() error {
	return b.db.Close()
}

// Update runs fn in a read-write transaction, retrying on conflict. Once
// retries are exhausted it returns a Conflict-kind error wrapping ErrConflict.
func (b *BadgerKV) Update(ctx context.Context, fn func(txn Txn) error) error {
	var opErr error
	err := resilience.Retry(ctx, b.retry, func() error {
		err := b.db.Update(func(t *badger.Txn) error {
			return fn(&badgerTxn{t: t})
		})
		if errors.Is(err, badger.ErrConflict) {
			return apperr.Wrap(apperr.KindConflict, "transaction conflict", ErrConflict)
		}
		opErr = err
		return nil
	})
	if err != nil {
		return err
	}
	return opErr
}

// View runs fn in a read-only transaction.
func (b *BadgerKV) View(ctx context.Context, fn func(txn Txn) error) error {
	return b.db.View(func(t *badger.Txn) error {
		return fn(&badgerTxn{t: t})
	})
}

type badgerTxn struct {
	t *badger.Txn
}

func (bt *badgerTxn) Get(key []byte) ([]byte, error) {
	item, err := bt.t.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, apperr.Persistence("get failed", err)
	}
	var out []byte
	err = item.Value(func(val []byte) error {
		out = append([]byte{}, val...)
		return nil
	})
	if err != nil {
		return nil, apperr.Persistence("read value failed", err)
	}
	return out, nil
}

func (bt *badgerTxn) Set(key, value []byte) error {
	if err := bt.t.Set(key, value); err != nil {
		return apperr.Persistence("set failed", err)
	}
	return nil
}

func (bt *badgerTxn) Delete(key []byte) error {
	if err := bt.t.Delete(key); err != nil {
		return apperr.Persistence("delete failed", err)
	}
	return nil
}

func (bt *badgerTxn) Scan(startKey, endKey []byte, fn func(key, value []byte) (bool, error)) error {
	it := bt.t.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	for it.Seek(startKey); it.Valid(); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		if endKey != nil && bytes.Compare(k, endKey) >= 0 {
			break
		}
		var v []byte
		if err := item.Value(func(val []byte) error {
			v = append([]byte{}, val...)
			return nil
		}); err != nil {
			return apperr.Persistence("scan read failed", err)
		}
		keepGoing, err := fn(k, v)
		if err != nil {
			return err
		}
		if !keepGoing {
			break
		}
	}
	return nil
}
