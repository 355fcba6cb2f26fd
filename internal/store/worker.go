package store

import (
	"context"
	"encoding/json"

	"github.com/r3e-network/workflow-engine/internal/apperr"
	"github.com/r3e-network/workflow-engine/internal/codec"
	"github.com/r3e-network/workflow-engine/internal/kv"
	"github.com/r3e-network/workflow-engine/internal/model"
)

// WorkerStore persists worker records.
type WorkerStore struct {
	db kv.KV
}

func NewWorkerStore(db kv.KV) *WorkerStore {
	return &WorkerStore{db: db}
}

func (s *WorkerStore) Put(ctx context.Context, w *model.Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return apperr.Persistence("marshal worker", err)
	}
	return s.db.Update(ctx, func(txn kv.Txn) error {
		return txn.Set(codec.WorkerKey(w.ID), data)
	})
}

func (s *WorkerStore) Get(ctx context.Context, id string) (*model.Worker, error) {
	var out model.Worker
	err := s.db.View(ctx, func(txn kv.Txn) error {
		data, err := txn.Get(codec.WorkerKey(id))
		if err == kv.ErrKeyNotFound {
			return apperr.NotFound("worker", id)
		}
		if err != nil {
			return apperr.Persistence("get worker", err)
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// List enumerates every registered worker, used to rebuild the in-memory
// registry on startup (spec §4.5).
func (s *WorkerStore) List(ctx context.Context) ([]*model.Worker, error) {
	var out []*model.Worker
	prefix := codec.WorkerPrefix()
	err := s.db.View(ctx, func(txn kv.Txn) error {
		return txn.Scan(prefix, codec.PrefixEnd(prefix), func(key, value []byte) (bool, error) {
			var w model.Worker
			if err := json.Unmarshal(value, &w); err != nil {
				return false, apperr.Persistence("unmarshal worker", err)
			}
			out = append(out, &w)
			return true, nil
		})
	})
	return out, err
}
