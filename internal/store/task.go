package store

import (
	"context"
	"encoding/json"

	"github.com/r3e-network/workflow-engine/internal/apperr"
	"github.com/r3e-network/workflow-engine/internal/codec"
	"github.com/r3e-network/workflow-engine/internal/kv"
	"github.com/r3e-network/workflow-engine/internal/model"
)

// TaskStore persists task records, the task-queue index, and idempotency
// records. Enqueue/claim/complete/retry are implemented in internal/queue on
// top of the primitives here, since those operations span multiple families
// in one transaction (spec §4.4).
type TaskStore struct {
	db kv.KV
}

func NewTaskStore(db kv.KV) *TaskStore {
	return &TaskStore{db: db}
}

func (s *TaskStore) marshal(t *model.Task) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, apperr.Persistence("marshal task", err)
	}
	return data, nil
}

// Put writes the direct-lookup task record only (no queue-index key). Used
// by the queue manager when a task's queue placement is handled separately.
func (s *TaskStore) Put(ctx context.Context, txn kv.Txn, t *model.Task) error {
	data, err := s.marshal(t)
	if err != nil {
		return err
	}
	return txn.Set(codec.TaskKey(t.ID), data)
}

// Get returns a snapshot read of the task record for id.
func (s *TaskStore) Get(ctx context.Context, id string) (*model.Task, error) {
	var out model.Task
	err := s.db.View(ctx, func(txn kv.Txn) error {
		return s.GetTxn(txn, id, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTxn reads a task record inside an already-open transaction.
func (s *TaskStore) GetTxn(txn kv.Txn, id string, out *model.Task) error {
	data, err := txn.Get(codec.TaskKey(id))
	if err == kv.ErrKeyNotFound {
		return apperr.NotFound("task", id)
	}
	if err != nil {
		return apperr.Persistence("get task", err)
	}
	return json.Unmarshal(data, out)
}

// PutQueueIndex writes the task-queue index key for t.
func (s *TaskStore) PutQueueIndex(txn kv.Txn, t *model.Task) error {
	key := codec.TaskQueueKey(t.Priority, t.ScheduledAt.UnixNano(), t.ID)
	return txn.Set(key, []byte(t.ID))
}

// DeleteQueueIndex removes a task's queue-index key.
func (s *TaskStore) DeleteQueueIndex(txn kv.Txn, t *model.Task) error {
	key := codec.TaskQueueKey(t.Priority, t.ScheduledAt.UnixNano(), t.ID)
	return txn.Delete(key)
}

// ScanQueue visits at most limit queue-index entries (all of them when
// limit <= 0) in priority/time order, invoking fn with each task id found;
// fn decides which entries are eligible. fn's bool return controls whether
// scanning continues.
func (s *TaskStore) ScanQueue(txn kv.Txn, limit int, fn func(taskID string) (keepGoing bool, err error)) error {
	prefix := codec.TaskQueuePrefix()
	count := 0
	return txn.Scan(prefix, codec.PrefixEnd(prefix), func(key, value []byte) (bool, error) {
		if limit > 0 && count >= limit {
			return false, nil
		}
		count++
		return fn(string(value))
	})
}

// ScanAll iterates every direct-lookup task record, used by recovery to find
// leases held by workers that are no longer healthy (spec §4.6's recover()).
func (s *TaskStore) ScanAll(txn kv.Txn, fn func(t *model.Task) (keepGoing bool, err error)) error {
	prefix := codec.TaskPrefix()
	return txn.Scan(prefix, codec.PrefixEnd(prefix), func(key, value []byte) (bool, error) {
		var t model.Task
		if err := json.Unmarshal(value, &t); err != nil {
			return false, apperr.Persistence("unmarshal task", err)
		}
		return fn(&t)
	})
}

// PutIdempotency records the result of a completed task under its
// idempotency key.
func (s *TaskStore) PutIdempotency(txn kv.Txn, idemKey string, result *model.TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return apperr.Persistence("marshal idempotency result", err)
	}
	return txn.Set(codec.TaskIdemKey(idemKey), data)
}

// GetIdempotency returns the previously recorded result for idemKey, if any.
func (s *TaskStore) GetIdempotency(txn kv.Txn, idemKey string) (*model.TaskResult, bool, error) {
	data, err := txn.Get(codec.TaskIdemKey(idemKey))
	if err == kv.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Persistence("get idempotency record", err)
	}
	var result model.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, apperr.Persistence("unmarshal idempotency record", err)
	}
	return &result, true, nil
}
