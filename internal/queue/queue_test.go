package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/workflow-engine/internal/kv"
	"github.com/r3e-network/workflow-engine/internal/model"
	"github.com/r3e-network/workflow-engine/internal/store"
)

func newManager() (*Manager, *fakeClock) {
	db := kv.NewMemory()
	ts := store.NewTaskStore(db)
	fc := &fakeClock{t: time.Now().UTC()}
	m := NewManager(db, ts).WithClock(fc.Now)
	return m, fc
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func TestEnqueueDequeueHighestPriorityFirst(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	require.NoError(t, m.Enqueue(ctx, &model.Task{ID: "low", Priority: 1}))
	require.NoError(t, m.Enqueue(ctx, &model.Task{ID: "high", Priority: 10}))

	got, err := m.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, "high", got.ID)
	require.Equal(t, model.TaskAssigned, got.Status)
	require.NotNil(t, got.LeaseInfo)
}

func TestDequeueSkipsNotYetScheduledTasks(t *testing.T) {
	ctx := context.Background()
	m, fc := newManager()

	require.NoError(t, m.Enqueue(ctx, &model.Task{ID: "future", ScheduledAt: fc.t.Add(time.Hour)}))

	got, err := m.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDequeueIsExclusiveUntilLeaseExpires(t *testing.T) {
	ctx := context.Background()
	m, fc := newManager()

	require.NoError(t, m.Enqueue(ctx, &model.Task{ID: "t1"}))

	first, err := m.Dequeue(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := m.Dequeue(ctx, "worker-b")
	require.NoError(t, err)
	require.Nil(t, second, "a second worker must not claim a task with an unexpired lease")

	fc.Advance(LeaseDuration + time.Second)

	reclaimed, err := m.Dequeue(ctx, "worker-b")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	require.Equal(t, "worker-b", reclaimed.AssignedWorker)
}

func TestCompleteWritesIdempotencyRecordOnSuccess(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	require.NoError(t, m.Enqueue(ctx, &model.Task{ID: "t1", IdempotencyKey: "idem-1"}))
	_, err := m.Dequeue(ctx, "worker-a")
	require.NoError(t, err)

	_, err = m.Complete(ctx, "t1", &model.TaskResult{Success: true, Output: "ok"})
	require.NoError(t, err)

	result, found, err := m.CheckIdempotency(ctx, "idem-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "ok", result.Output)
}

func TestRetryIncrementsAttemptAndReschedules(t *testing.T) {
	ctx := context.Background()
	m, fc := newManager()

	def := model.TaskDefinition{RetryPolicy: &model.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 100, MaxDelayMs: 1000, BackoffMultiplier: 2}}
	require.NoError(t, m.Enqueue(ctx, &model.Task{ID: "t1", Definition: def}))
	_, err := m.Dequeue(ctx, "worker-a")
	require.NoError(t, err)

	backoff := func(attempt int) time.Duration { return 100 * time.Millisecond }

	t1, err := m.Retry(ctx, "t1", backoff)
	require.NoError(t, err)
	require.Equal(t, 1, t1.Attempt)
	require.Equal(t, model.TaskPending, t1.Status)
	require.Nil(t, t1.LeaseInfo)

	fc.Advance(200 * time.Millisecond)
	got, err := m.Dequeue(ctx, "worker-b")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 1, got.Attempt)
}

func TestRetryDeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()

	def := model.TaskDefinition{RetryPolicy: &model.RetryPolicy{MaxAttempts: 1, InitialDelayMs: 10, MaxDelayMs: 10, BackoffMultiplier: 1}}
	require.NoError(t, m.Enqueue(ctx, &model.Task{ID: "t1", Definition: def}))
	_, err := m.Dequeue(ctx, "worker-a")
	require.NoError(t, err)

	backoff := func(attempt int) time.Duration { return 0 }
	t1, err := m.Retry(ctx, "t1", backoff)
	require.NoError(t, err)
	require.Equal(t, model.TaskDeadLetter, t1.Status)

	got, err := m.Dequeue(ctx, "worker-b")
	require.NoError(t, err)
	require.Nil(t, got, "a dead-lettered task must never be re-dequeued")
}
