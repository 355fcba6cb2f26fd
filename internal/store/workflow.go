// Package store implements the per-entity CRUD stores of spec §4.2: one
// store per record family, each operation running inside a serializable KV
// transaction. Stores are thin — they own key construction (via
// internal/codec) and JSON encoding, and leave transaction lifecycle to
// internal/kv.
package store

import (
	"context"
	"encoding/json"

	"github.com/r3e-network/workflow-engine/internal/apperr"
	"github.com/r3e-network/workflow-engine/internal/codec"
	"github.com/r3e-network/workflow-engine/internal/kv"
	"github.com/r3e-network/workflow-engine/internal/model"
)

// WorkflowStore persists workflow definitions and instances.
type WorkflowStore struct {
	db kv.KV
}

func NewWorkflowStore(db kv.KV) *WorkflowStore {
	return &WorkflowStore{db: db}
}

// PutDefinition persists an immutable workflow definition. Definitions are
// write-once: callers validate uniqueness before calling this (the engine
// façade generates a fresh UUID per registration).
func (s *WorkflowStore) PutDefinition(ctx context.Context, def *model.WorkflowDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return apperr.Persistence("marshal workflow definition", err)
	}
	return s.db.Update(ctx, func(txn kv.Txn) error {
		return txn.Set(codec.WorkflowDefKey(def.ID), data)
	})
}

// GetDefinition returns the workflow definition for id.
func (s *WorkflowStore) GetDefinition(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	var out model.WorkflowDefinition
	err := s.db.View(ctx, func(txn kv.Txn) error {
		data, err := txn.Get(codec.WorkflowDefKey(id))
		if err == kv.ErrKeyNotFound {
			return apperr.NotFound("workflow_definition", id)
		}
		if err != nil {
			return apperr.Persistence("get workflow definition", err)
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDefinitionTxn reads a definition record inside an already-open
// transaction, so callers that also read/write other families (e.g. a
// transition's instance read) can do so within one serializable transaction.
func (s *WorkflowStore) GetDefinitionTxn(txn kv.Txn, id string, out *model.WorkflowDefinition) error {
	data, err := txn.Get(codec.WorkflowDefKey(id))
	if err == kv.ErrKeyNotFound {
		return apperr.NotFound("workflow_definition", id)
	}
	if err != nil {
		return apperr.Persistence("get workflow definition", err)
	}
	return json.Unmarshal(data, out)
}

// ListDefinitions enumerates every registered workflow definition.
func (s *WorkflowStore) ListDefinitions(ctx context.Context) ([]*model.WorkflowDefinition, error) {
	var out []*model.WorkflowDefinition
	prefix := codec.WorkflowDefPrefix()
	err := s.db.View(ctx, func(txn kv.Txn) error {
		return txn.Scan(prefix, codec.PrefixEnd(prefix), func(key, value []byte) (bool, error) {
			var def model.WorkflowDefinition
			if err := json.Unmarshal(value, &def); err != nil {
				return false, apperr.Persistence("unmarshal workflow definition", err)
			}
			out = append(out, &def)
			return true, nil
		})
	})
	return out, err
}

// PutInstance persists (creates or updates) a workflow instance, maintaining
// the workflow-inst-by-def secondary index in the same transaction.
func (s *WorkflowStore) PutInstance(ctx context.Context, inst *model.WorkflowInstance) error {
	return s.db.Update(ctx, func(txn kv.Txn) error {
		return s.PutInstanceTxn(txn, inst)
	})
}

// PutInstanceTxn writes inst inside an already-open transaction, so callers
// that also need to append an event or mutate other families can do so
// atomically (spec §4.2's "create-instance-plus-initial-event ... in one
// transaction").
func (s *WorkflowStore) PutInstanceTxn(txn kv.Txn, inst *model.WorkflowInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return apperr.Persistence("marshal workflow instance", err)
	}
	if err := txn.Set(codec.WorkflowInstKey(inst.ID), data); err != nil {
		return err
	}
	return txn.Set(codec.WorkflowInstByDefKey(inst.DefinitionID, inst.ID), []byte{})
}

// GetInstance returns a snapshot read of the instance for id.
func (s *WorkflowStore) GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	var out model.WorkflowInstance
	err := s.db.View(ctx, func(txn kv.Txn) error {
		return s.GetInstanceTxn(txn, id, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInstanceTxn reads an instance record inside an already-open
// transaction, so a transition can read-then-write within one serializable
// transaction (spec §5's ordering guarantee (a)).
func (s *WorkflowStore) GetInstanceTxn(txn kv.Txn, id string, out *model.WorkflowInstance) error {
	data, err := txn.Get(codec.WorkflowInstKey(id))
	if err == kv.ErrKeyNotFound {
		return apperr.NotFound("workflow_instance", id)
	}
	if err != nil {
		return apperr.Persistence("get workflow instance", err)
	}
	return json.Unmarshal(data, out)
}

// ListInstancesByDefinition enumerates instances of a single definition via
// the secondary index.
func (s *WorkflowStore) ListInstancesByDefinition(ctx context.Context, defID string) ([]*model.WorkflowInstance, error) {
	var ids []string
	prefix := codec.WorkflowInstByDefPrefix(defID)
	err := s.db.View(ctx, func(txn kv.Txn) error {
		return txn.Scan(prefix, codec.PrefixEnd(prefix), func(key, value []byte) (bool, error) {
			ids = append(ids, string(key[len(prefix):]))
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]*model.WorkflowInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}
