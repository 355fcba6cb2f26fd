package store

import (
	"context"
	"encoding/json"

	"github.com/r3e-network/workflow-engine/internal/apperr"
	"github.com/r3e-network/workflow-engine/internal/codec"
	"github.com/r3e-network/workflow-engine/internal/kv"
	"github.com/r3e-network/workflow-engine/internal/model"
)

// EventStore persists the append-only per-instance event log (spec §3,
// §4.1). Events are written inside the same transaction as the state change
// that caused them so that a range scan under an instance always yields a
// chronological, gap-free history (spec §5's ordering guarantee (c)).
type EventStore struct {
	db kv.KV
}

func NewEventStore(db kv.KV) *EventStore {
	return &EventStore{db: db}
}

// AppendTxn writes ev inside an already-open transaction.
func (s *EventStore) AppendTxn(txn kv.Txn, ev *model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return apperr.Persistence("marshal event", err)
	}
	key := codec.EventKey(ev.InstanceID, ev.Timestamp.UnixNano(), ev.EventID)
	return txn.Set(key, data)
}

// Append writes ev in its own transaction, for callers outside a larger
// transition transaction (e.g. a standalone audit note).
func (s *EventStore) Append(ctx context.Context, ev *model.Event) error {
	return s.db.Update(ctx, func(txn kv.Txn) error {
		return s.AppendTxn(txn, ev)
	})
}

// ListByInstance returns every event for instanceID in chronological order.
func (s *EventStore) ListByInstance(ctx context.Context, instanceID string) ([]*model.Event, error) {
	var out []*model.Event
	prefix := codec.EventPrefix(instanceID)
	err := s.db.View(ctx, func(txn kv.Txn) error {
		return txn.Scan(prefix, codec.PrefixEnd(prefix), func(key, value []byte) (bool, error) {
			var ev model.Event
			if err := json.Unmarshal(value, &ev); err != nil {
				return false, apperr.Persistence("unmarshal event", err)
			}
			out = append(out, &ev)
			return true, nil
		})
	})
	return out, err
}
