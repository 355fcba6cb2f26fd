package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/r3e-network/workflow-engine/internal/apperr"
	"github.com/r3e-network/workflow-engine/internal/codec"
	"github.com/r3e-network/workflow-engine/internal/kv"
	"github.com/r3e-network/workflow-engine/internal/model"
)

// LockStore persists per-instance lock records used to serialize work
// across multiple engines (spec §3, §9 — a single JSON object, not a custom
// codec, per the canonicalized layout).
type LockStore struct {
	db kv.KV
}

func NewLockStore(db kv.KV) *LockStore {
	return &LockStore{db: db}
}

// Acquire sets the lock for instanceID to holder if it is unheld or expired,
// inside an already-open transaction. Returns apperr.Conflict if another
// holder's lease has not expired.
func (s *LockStore) Acquire(txn kv.Txn, instanceID, holder string, ttl time.Duration, now time.Time) error {
	key := codec.LockKey(instanceID)
	data, err := txn.Get(key)
	if err != nil && err != kv.ErrKeyNotFound {
		return apperr.Persistence("get lock", err)
	}
	if err == nil {
		var existing model.LockRecord
		if jerr := json.Unmarshal(data, &existing); jerr != nil {
			return apperr.Persistence("unmarshal lock", jerr)
		}
		if existing.HolderWorkerID != holder && now.Before(existing.ExpiresAt) {
			return apperr.Conflict("instance is locked by another holder")
		}
	}

	rec := model.LockRecord{HolderWorkerID: holder, ExpiresAt: now.Add(ttl)}
	out, err := json.Marshal(rec)
	if err != nil {
		return apperr.Persistence("marshal lock", err)
	}
	return txn.Set(key, out)
}

// Release clears the lock for instanceID inside an already-open transaction.
func (s *LockStore) Release(txn kv.Txn, instanceID string) error {
	return txn.Delete(codec.LockKey(instanceID))
}

// ReleaseHeldBy clears every lock whose holder is in holders, returning how
// many were released. Used by recovery to drop locks owned by workers the
// registry considers unhealthy (spec §4.6's recover()).
func (s *LockStore) ReleaseHeldBy(ctx context.Context, holders []string) (int, error) {
	if len(holders) == 0 {
		return 0, nil
	}
	stale := make(map[string]bool, len(holders))
	for _, h := range holders {
		stale[h] = true
	}

	released := 0
	err := s.db.Update(ctx, func(txn kv.Txn) error {
		prefix := codec.LockPrefix()
		var toRelease [][]byte
		if err := txn.Scan(prefix, codec.PrefixEnd(prefix), func(key, value []byte) (bool, error) {
			var rec model.LockRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return false, apperr.Persistence("unmarshal lock", err)
			}
			if stale[rec.HolderWorkerID] {
				k := append([]byte{}, key...)
				toRelease = append(toRelease, k)
			}
			return true, nil
		}); err != nil {
			return err
		}
		for _, k := range toRelease {
			if err := txn.Delete(k); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	return released, err
}

// Get returns the current lock record for instanceID, if any.
func (s *LockStore) Get(ctx context.Context, instanceID string) (*model.LockRecord, bool, error) {
	var out model.LockRecord
	var found bool
	err := s.db.View(ctx, func(txn kv.Txn) error {
		data, err := txn.Get(codec.LockKey(instanceID))
		if err == kv.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return apperr.Persistence("get lock", err)
		}
		found = true
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &out, true, nil
}
