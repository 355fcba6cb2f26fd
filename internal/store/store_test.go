package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/workflow-engine/internal/kv"
	"github.com/r3e-network/workflow-engine/internal/model"
)

func TestWorkflowStoreDefinitionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewWorkflowStore(kv.NewMemory())

	def := &model.WorkflowDefinition{
		ID:   "def-1",
		Name: "unary",
		Machine: model.StateMachine{
			InitialState: "start",
			States: map[string]model.State{
				"start": {Name: "start"},
			},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PutDefinition(ctx, def))

	got, err := s.GetDefinition(ctx, "def-1")
	require.NoError(t, err)
	require.Equal(t, def.Name, got.Name)
	require.Equal(t, def.Machine.InitialState, got.Machine.InitialState)

	_, err = s.GetDefinition(ctx, "missing")
	require.Error(t, err)
}

func TestWorkflowStoreListInstancesByDefinition(t *testing.T) {
	ctx := context.Background()
	s := NewWorkflowStore(kv.NewMemory())

	for _, id := range []string{"inst-a", "inst-b"} {
		inst := &model.WorkflowInstance{ID: id, DefinitionID: "def-1", CurrentState: "start", Status: model.StatusRunning}
		require.NoError(t, s.PutInstance(ctx, inst))
	}
	other := &model.WorkflowInstance{ID: "inst-c", DefinitionID: "def-2", CurrentState: "start", Status: model.StatusRunning}
	require.NoError(t, s.PutInstance(ctx, other))

	list, err := s.ListInstancesByDefinition(ctx, "def-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestTaskStoreQueueIndexOrdering(t *testing.T) {
	ctx := context.Background()
	db := kv.NewMemory()
	ts := NewTaskStore(db)

	now := time.Now().UTC()
	low := &model.Task{ID: "t-low", Priority: 1, ScheduledAt: now}
	high := &model.Task{ID: "t-high", Priority: 10, ScheduledAt: now}

	err := db.Update(ctx, func(txn kv.Txn) error {
		for _, tk := range []*model.Task{low, high} {
			if err := ts.Put(ctx, txn, tk); err != nil {
				return err
			}
			if err := ts.PutQueueIndex(txn, tk); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var order []string
	err = db.View(ctx, func(txn kv.Txn) error {
		return ts.ScanQueue(txn, 0, func(taskID string) (bool, error) {
			order = append(order, taskID)
			return true, nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, []string{"t-high", "t-low"}, order, "higher priority task must be scanned first")
}

func TestTaskStoreIdempotencyRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := kv.NewMemory()
	ts := NewTaskStore(db)

	result := &model.TaskResult{Success: true, Output: map[string]any{"r": float64(42)}}
	err := db.Update(ctx, func(txn kv.Txn) error {
		return ts.PutIdempotency(txn, "idem-1", result)
	})
	require.NoError(t, err)

	err = db.View(ctx, func(txn kv.Txn) error {
		got, found, err := ts.GetIdempotency(txn, "idem-1")
		require.NoError(t, err)
		require.True(t, found)
		require.True(t, got.Success)
		return nil
	})
	require.NoError(t, err)

	err = db.View(ctx, func(txn kv.Txn) error {
		_, found, err := ts.GetIdempotency(txn, "missing")
		require.NoError(t, err)
		require.False(t, found)
		return nil
	})
	require.NoError(t, err)
}

func TestEventStoreListByInstanceIsChronological(t *testing.T) {
	ctx := context.Background()
	es := NewEventStore(kv.NewMemory())

	base := time.Now().UTC()
	events := []*model.Event{
		{EventID: "e3", InstanceID: "inst-1", Type: model.EventInstanceCompleted, Timestamp: base.Add(2 * time.Second)},
		{EventID: "e1", InstanceID: "inst-1", Type: model.EventInstanceCreated, Timestamp: base},
		{EventID: "e2", InstanceID: "inst-1", Type: model.EventStateTransition, Timestamp: base.Add(time.Second)},
	}
	for _, ev := range events {
		require.NoError(t, es.Append(ctx, ev))
	}

	got, err := es.ListByInstance(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "e1", got[0].EventID)
	require.Equal(t, "e2", got[1].EventID)
	require.Equal(t, "e3", got[2].EventID)
}

func TestLockStoreAcquireConflictsWhileHeldByAnotherHolder(t *testing.T) {
	ctx := context.Background()
	db := kv.NewMemory()
	ls := NewLockStore(db)
	now := time.Now().UTC()

	err := db.Update(ctx, func(txn kv.Txn) error {
		return ls.Acquire(txn, "inst-1", "worker-a", 30*time.Second, now)
	})
	require.NoError(t, err)

	err = db.Update(ctx, func(txn kv.Txn) error {
		return ls.Acquire(txn, "inst-1", "worker-b", 30*time.Second, now)
	})
	require.Error(t, err)

	// Acquiring again as the same holder is fine (idempotent refresh).
	err = db.Update(ctx, func(txn kv.Txn) error {
		return ls.Acquire(txn, "inst-1", "worker-a", 30*time.Second, now)
	})
	require.NoError(t, err)

	// After expiry a different holder may acquire it.
	err = db.Update(ctx, func(txn kv.Txn) error {
		return ls.Acquire(txn, "inst-1", "worker-b", 30*time.Second, now.Add(time.Hour))
	})
	require.NoError(t, err)
}
