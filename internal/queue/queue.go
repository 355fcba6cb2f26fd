// Package queue implements the task queue and lease manager of spec §4.4:
// ordered enqueue, linearizable claim, lease renewal via heartbeat,
// engine-driven retry/dead-letter, and idempotency short-circuiting.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/workflow-engine/internal/apperr"
	"github.com/r3e-network/workflow-engine/internal/kv"
	"github.com/r3e-network/workflow-engine/internal/model"
	"github.com/r3e-network/workflow-engine/internal/store"
)

// LeaseDuration is the default task lease lifetime (spec §4.4, §5).
const LeaseDuration = 30 * time.Second

// DequeueScanLimit bounds how many queue-index entries a single claim scan
// inspects before giving up (spec §4.4's "scans the first N queue entries").
const DequeueScanLimit = 50

// Clock abstracts time.Now so tests can control scheduling decisions.
type Clock func() time.Time

// Manager is the task queue and lease manager.
type Manager struct {
	db    kv.KV
	tasks *store.TaskStore
	now   Clock
}

func NewManager(db kv.KV, tasks *store.TaskStore) *Manager {
	return &Manager{db: db, tasks: tasks, now: time.Now}
}

// WithClock overrides the manager's clock, used by tests.
func (m *Manager) WithClock(c Clock) *Manager {
	m.now = c
	return m
}

// Enqueue writes the direct-lookup and queue-index records for a new task
// in one transaction (spec §4.4).
func (m *Manager) Enqueue(ctx context.Context, t *model.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = model.TaskPending
	}
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = m.now()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}

	return m.db.Update(ctx, func(txn kv.Txn) error {
		if err := m.tasks.Put(ctx, txn, t); err != nil {
			return err
		}
		return m.tasks.PutQueueIndex(txn, t)
	})
}

// Dequeue claims the first eligible task for workerID. Returns (nil, nil)
// if no task is currently claimable (spec §4.4: queue scan skips
// not-yet-scheduled entries and entries with an unexpired lease).
func (m *Manager) Dequeue(ctx context.Context, workerID string) (*model.Task, error) {
	var claimed *model.Task

	err := m.db.Update(ctx, func(txn kv.Txn) error {
		now := m.now()

		var candidateID string
		var candidateQueueKeyTask model.Task

		scanErr := m.tasks.ScanQueue(txn, DequeueScanLimit, func(taskID string) (bool, error) {
			var t model.Task
			if err := m.tasks.GetTxn(txn, taskID, &t); err != nil {
				if apperr.Is(err, apperr.KindNotFound) {
					return true, nil // stale queue-index entry; keep scanning
				}
				return false, err
			}

			if t.ScheduledAt.After(now) {
				return true, nil
			}
			if t.Status == model.TaskAssigned && t.LeaseInfo != nil && t.LeaseInfo.ExpiresAt.After(now) {
				return true, nil
			}
			if t.Status == model.TaskCompleted || t.Status == model.TaskDeadLetter {
				return true, nil
			}

			candidateID = taskID
			candidateQueueKeyTask = t
			return false, nil
		})
		if scanErr != nil {
			return scanErr
		}
		if candidateID == "" {
			return nil
		}

		// The queue-index entry is deliberately left in place rather than
		// deleted here: an expired, unrenewed lease must resurface to a
		// later scan without any separate reclaim step (spec §4.4, §5 —
		// "reclaimable ... implicitly, by any subsequent dequeue that
		// observes it"). It is removed once the task reaches a resting
		// state: Complete deletes it, Retry replaces it with a new entry
		// keyed on the rescheduled time.
		t := candidateQueueKeyTask
		t.Status = model.TaskAssigned
		t.AssignedWorker = workerID
		t.LeaseInfo = &model.Lease{
			WorkerID:      workerID,
			ClaimedAt:     now,
			ExpiresAt:     now.Add(LeaseDuration),
			LastHeartbeat: now,
		}
		if t.StartedAt == nil {
			t.StartedAt = &now
		}

		if err := m.tasks.Put(ctx, txn, &t); err != nil {
			return err
		}
		claimed = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RenewLease updates a held task's heartbeat timestamp.
func (m *Manager) RenewLease(ctx context.Context, taskID, workerID string) error {
	return m.db.Update(ctx, func(txn kv.Txn) error {
		var t model.Task
		if err := m.tasks.GetTxn(txn, taskID, &t); err != nil {
			return err
		}
		if t.LeaseInfo == nil || t.LeaseInfo.WorkerID != workerID {
			return apperr.Conflict("lease is not held by this worker")
		}
		t.LeaseInfo.LastHeartbeat = m.now()
		return m.tasks.Put(ctx, txn, &t)
	})
}

// Complete records a terminal outcome for a claimed task. On success it
// writes the idempotency record; on failure it defers to Retry semantics
// via the caller (the engine façade decides retry vs dead-letter and calls
// Retry or this directly depending on the outcome), per spec §4.4.
func (m *Manager) Complete(ctx context.Context, taskID string, result *model.TaskResult) (*model.Task, error) {
	var out model.Task
	err := m.db.Update(ctx, func(txn kv.Txn) error {
		var t model.Task
		if err := m.tasks.GetTxn(txn, taskID, &t); err != nil {
			return err
		}

		if err := m.tasks.DeleteQueueIndex(txn, &t); err != nil {
			return err
		}

		now := m.now()
		t.CompletedAt = &now
		t.Result = result
		if result.Success {
			t.Status = model.TaskCompleted
		} else {
			t.Status = model.TaskFailed
		}

		if err := m.tasks.Put(ctx, txn, &t); err != nil {
			return err
		}
		if result.Success && t.IdempotencyKey != "" {
			if err := m.tasks.PutIdempotency(txn, t.IdempotencyKey, result); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Retry schedules a failed task for another attempt, or dead-letters it if
// its retry policy is exhausted (spec §4.4).
func (m *Manager) Retry(ctx context.Context, taskID string, backoff func(attempt int) time.Duration) (*model.Task, error) {
	var out model.Task
	err := m.db.Update(ctx, func(txn kv.Txn) error {
		var t model.Task
		if err := m.tasks.GetTxn(txn, taskID, &t); err != nil {
			return err
		}

		if err := m.tasks.DeleteQueueIndex(txn, &t); err != nil {
			return err
		}

		policy := model.DefaultRetryPolicy()
		if t.Definition.RetryPolicy != nil {
			policy = *t.Definition.RetryPolicy
		}

		if t.Attempt+1 >= policy.MaxAttempts {
			t.Status = model.TaskDeadLetter
			t.LeaseInfo = nil
			out = t
			return m.tasks.Put(ctx, txn, &t)
		}

		t.Attempt++
		t.Status = model.TaskPending
		t.LeaseInfo = nil
		t.ScheduledAt = m.now().Add(backoff(t.Attempt))

		if err := m.tasks.Put(ctx, txn, &t); err != nil {
			return err
		}
		if err := m.tasks.PutQueueIndex(txn, &t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ReclaimOrphaned clears the lease on every Assigned task held by one of
// unhealthyWorkers and re-inserts its queue-index entry so it becomes
// claimable again, without touching Attempt or the retry policy — this is a
// recovery action, not a failure (spec §4.6's recover(), §9's "clears
// orphaned leases and re-queues the affected tasks").
func (m *Manager) ReclaimOrphaned(ctx context.Context, unhealthyWorkers []string) (int, error) {
	if len(unhealthyWorkers) == 0 {
		return 0, nil
	}
	stale := make(map[string]bool, len(unhealthyWorkers))
	for _, id := range unhealthyWorkers {
		stale[id] = true
	}

	reclaimed := 0
	err := m.db.Update(ctx, func(txn kv.Txn) error {
		var toReclaim []model.Task
		if err := m.tasks.ScanAll(txn, func(t *model.Task) (bool, error) {
			if t.Status == model.TaskAssigned && t.LeaseInfo != nil && stale[t.LeaseInfo.WorkerID] {
				toReclaim = append(toReclaim, *t)
			}
			return true, nil
		}); err != nil {
			return err
		}

		for _, t := range toReclaim {
			t.Status = model.TaskPending
			t.LeaseInfo = nil
			t.ScheduledAt = m.now()
			if err := m.tasks.Put(ctx, txn, &t); err != nil {
				return err
			}
			if err := m.tasks.PutQueueIndex(txn, &t); err != nil {
				return err
			}
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reclaimed, nil
}

// CheckIdempotency returns the previously recorded result for key, if any
// exists, so the caller can short-circuit execution (spec §4.4).
func (m *Manager) CheckIdempotency(ctx context.Context, key string) (*model.TaskResult, bool, error) {
	var result *model.TaskResult
	var found bool
	err := m.db.View(ctx, func(txn kv.Txn) error {
		r, f, err := m.tasks.GetIdempotency(txn, key)
		result, found = r, f
		return err
	})
	return result, found, err
}

// CountsByStatus tallies every task record by status, backing the queue
// depth gauge (spec §4.8).
func (m *Manager) CountsByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	counts := map[model.TaskStatus]int{}
	err := m.db.View(ctx, func(txn kv.Txn) error {
		return m.tasks.ScanAll(txn, func(t *model.Task) (bool, error) {
			counts[t.Status]++
			return true, nil
		})
	})
	return counts, err
}

// Get returns a snapshot read of a task record.
func (m *Manager) Get(ctx context.Context, taskID string) (*model.Task, error) {
	return m.tasks.Get(ctx, taskID)
}
