// Package engine implements the engine façade of spec §4.6: it orchestrates
// workflow registration, instance lifecycle, and the worker protocol on top
// of the state machine evaluator, the task queue, and the worker registry.
// It is the one object the RPC boundary and any CLI-shaped caller talk to.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/workflow-engine/internal/apperr"
	"github.com/r3e-network/workflow-engine/internal/kv"
	"github.com/r3e-network/workflow-engine/internal/metrics"
	"github.com/r3e-network/workflow-engine/internal/model"
	"github.com/r3e-network/workflow-engine/internal/queue"
	"github.com/r3e-network/workflow-engine/internal/registry"
	"github.com/r3e-network/workflow-engine/internal/resilience"
	"github.com/r3e-network/workflow-engine/internal/statemachine"
	"github.com/r3e-network/workflow-engine/internal/store"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

// LockTTL bounds how long a per-instance lock is held across the duration of
// a single transition (spec §3's lock record, §9's multi-engine safety).
const LockTTL = 10 * time.Second

// Clock abstracts time.Now so tests can control scheduling decisions.
type Clock func() time.Time

// Engine is the workflow engine façade.
type Engine struct {
	db kv.KV

	workflows *store.WorkflowStore
	events    *store.EventStore
	locks     *store.LockStore
	workers   *store.WorkerStore

	queue    *queue.Manager
	registry *registry.Registry
	eval     *statemachine.Evaluator

	holderID string // this engine process's lock-holder identity
	log      *logger.Logger
	now      Clock
}

// New wires an Engine over an already-open KV handle.
func New(db kv.KV, eval *statemachine.Evaluator, log *logger.Logger) *Engine {
	workers := store.NewWorkerStore(db)
	return &Engine{
		db:        db,
		workflows: store.NewWorkflowStore(db),
		events:    store.NewEventStore(db),
		locks:     store.NewLockStore(db),
		workers:   workers,
		queue:     queue.NewManager(db, store.NewTaskStore(db)),
		registry:  registry.New(workers, 10*time.Second),
		eval:      eval,
		holderID:  "engine-" + uuid.NewString(),
		log:       log,
		now:       time.Now,
	}
}

// WithClock overrides the engine's clock, used by tests.
func (e *Engine) WithClock(c Clock) *Engine {
	e.now = c
	return e
}

func (e *Engine) logf() *logger.Logger {
	if e.log != nil {
		return e.log
	}
	return logger.NewDefault()
}

// ---- registration & instance lifecycle (spec §4.6) ----

// RegisterWorkflow validates def's state machine and persists it immutably.
func (e *Engine) RegisterWorkflow(ctx context.Context, def *model.WorkflowDefinition) (string, error) {
	if err := statemachine.Validate(&def.Machine); err != nil {
		return "", err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.CreatedAt = e.now().UTC()

	if err := e.workflows.PutDefinition(ctx, def); err != nil {
		return "", err
	}
	return def.ID, nil
}

// GetWorkflow returns the registered definition for id.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	return e.workflows.GetDefinition(ctx, id)
}

// StartWorkflow creates an instance at the initial state, applies its inline
// on-enter actions, and writes the instance and its InstanceCreated event
// inside one transaction; the other on-enter actions are enqueued as tasks
// after that transaction commits, each in a transaction of its own (spec §4.3, §4.6, §8's "after start_workflow, instance.current_state ==
// def.initial_state and instance.status == Running").
func (e *Engine) StartWorkflow(ctx context.Context, defID string, input map[string]any) (*model.WorkflowInstance, error) {
	def, err := e.workflows.GetDefinition(ctx, defID)
	if err != nil {
		return nil, err
	}

	initial, ok := def.Machine.States[def.Machine.InitialState]
	if !ok {
		return nil, apperr.Internal(fmt.Sprintf("definition %q has no initial state", defID), nil)
	}

	instCtx := input
	if instCtx == nil {
		instCtx = map[string]any{}
	}

	var enqueueActions []model.Action
	for _, action := range initial.OnEnter {
		if action.Kind.Inline() {
			statemachine.ApplyInline(action, instCtx)
		} else {
			enqueueActions = append(enqueueActions, action)
		}
	}

	now := e.now().UTC()
	inst := &model.WorkflowInstance{
		ID:           uuid.NewString(),
		DefinitionID: defID,
		CurrentState: initial.Name,
		Context:      instCtx,
		Status:       model.StatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	if initial.Terminal {
		inst.Status = model.StatusCompleted
		inst.CompletedAt = &now
	}

	err = e.db.Update(ctx, func(txn kv.Txn) error {
		if err := e.workflows.PutInstanceTxn(txn, inst); err != nil {
			return err
		}
		if err := e.events.AppendTxn(txn, &model.Event{
			EventID: uuid.NewString(), InstanceID: inst.ID, Type: model.EventInstanceCreated,
			Timestamp: now, Payload: map[string]any{"definition_id": defID, "state": initial.Name},
		}); err != nil {
			return err
		}
		if initial.Terminal {
			return e.events.AppendTxn(txn, &model.Event{
				EventID: uuid.NewString(), InstanceID: inst.ID, Type: model.EventInstanceCompleted,
				Timestamp: now, Payload: map[string]any{"state": initial.Name},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.enqueueActions(ctx, inst.ID, enqueueActions, instCtx); err != nil {
		return nil, err
	}
	return inst, nil
}

// GetInstance returns a snapshot read of a workflow instance.
func (e *Engine) GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	return e.workflows.GetInstance(ctx, id)
}

// ListEvents returns the chronological event log for an instance, backing
// the CLI's get_events (spec §6).
func (e *Engine) ListEvents(ctx context.Context, instanceID string) ([]*model.Event, error) {
	return e.events.ListByInstance(ctx, instanceID)
}

// Transition advances instance id on event, running on-exit actions of the
// current state, updating current_state/context, then on-enter actions of
// the target. Inline actions, the instance write and its events run under a
// per-instance lock inside one transaction; the non-inline actions are
// enqueued as tasks after that transaction commits (spec
// §4.3, §4.6, §5's ordering guarantee (a)). The instance is read and the
// guard/action evaluation is recomputed from scratch inside the same
// transaction closure that writes the result, so a conflict-triggered retry
// (internal/resilience, via internal/kv) re-evaluates against the latest
// committed state instead of replaying a stale precomputed decision.
func (e *Engine) Transition(ctx context.Context, id, event string, payload map[string]any) (string, error) {
	var toState string
	var enqueueActions []model.Action
	var finalCtx map[string]any

	err := e.db.Update(ctx, func(txn kv.Txn) error {
		var inst model.WorkflowInstance
		if err := e.workflows.GetInstanceTxn(txn, id, &inst); err != nil {
			return err
		}
		var def model.WorkflowDefinition
		if err := e.workflows.GetDefinitionTxn(txn, inst.DefinitionID, &def); err != nil {
			return err
		}

		if inst.Status.Terminal() {
			return apperr.InvalidState(fmt.Sprintf("instance %q is %s and accepts no further transitions", id, inst.Status))
		}
		if inst.Status == model.StatusPaused {
			return apperr.InvalidState(fmt.Sprintf("instance %q is paused", id))
		}

		instCtx := inst.Context
		if instCtx == nil {
			instCtx = map[string]any{}
		}
		for k, v := range payload {
			instCtx[k] = v
		}

		match, err := e.eval.Match(ctx, &def.Machine, inst.CurrentState, event, instCtx)
		if err != nil {
			return err
		}

		var actions []model.Action
		for _, action := range match.FromState.OnExit {
			if action.Kind.Inline() {
				statemachine.ApplyInline(action, instCtx)
			} else {
				actions = append(actions, action)
			}
		}
		if match.Transition.Action != nil {
			if match.Transition.Action.Kind.Inline() {
				statemachine.ApplyInline(*match.Transition.Action, instCtx)
			} else {
				actions = append(actions, *match.Transition.Action)
			}
		}
		for _, action := range match.ToState.OnEnter {
			if action.Kind.Inline() {
				statemachine.ApplyInline(action, instCtx)
			} else {
				actions = append(actions, action)
			}
		}

		now := e.now().UTC()
		fromState := inst.CurrentState
		inst.CurrentState = match.ToState.Name
		inst.Context = instCtx
		inst.UpdatedAt = now
		inst.Version++
		if match.ToState.Terminal {
			inst.Status = model.StatusCompleted
			inst.CompletedAt = &now
		}

		if err := e.locks.Acquire(txn, id, e.holderID, LockTTL, now); err != nil {
			return err
		}
		if err := e.workflows.PutInstanceTxn(txn, &inst); err != nil {
			return err
		}
		if err := e.events.AppendTxn(txn, &model.Event{
			EventID: uuid.NewString(), InstanceID: id, Type: model.EventStateTransition, Timestamp: now,
			Payload: map[string]any{"from": fromState, "to": match.ToState.Name, "event": event},
		}); err != nil {
			return err
		}
		if match.ToState.Terminal {
			if err := e.events.AppendTxn(txn, &model.Event{
				EventID: uuid.NewString(), InstanceID: id, Type: model.EventInstanceCompleted, Timestamp: now,
				Payload: map[string]any{"state": match.ToState.Name},
			}); err != nil {
				return err
			}
		}
		if err := e.locks.Release(txn, id); err != nil {
			return err
		}

		toState = match.ToState.Name
		enqueueActions = actions
		finalCtx = instCtx
		return nil
	})
	if err != nil {
		return "", err
	}

	if err := e.enqueueActions(ctx, id, enqueueActions, finalCtx); err != nil {
		return "", err
	}
	return toState, nil
}

// Pause, Resume, and Cancel each gate on the instance's current status and
// write the corresponding event (spec §4.6).
func (e *Engine) Pause(ctx context.Context, id string) error {
	return e.setStatus(ctx, id, model.StatusPaused, model.EventInstancePaused, func(s model.WorkflowStatus) bool {
		return s == model.StatusRunning
	})
}

func (e *Engine) Resume(ctx context.Context, id string) error {
	return e.setStatus(ctx, id, model.StatusRunning, model.EventInstanceResumed, func(s model.WorkflowStatus) bool {
		return s == model.StatusPaused
	})
}

func (e *Engine) Cancel(ctx context.Context, id string) error {
	return e.setStatus(ctx, id, model.StatusCancelled, model.EventInstanceCancelled, func(s model.WorkflowStatus) bool {
		return !s.Terminal()
	})
}

func (e *Engine) setStatus(ctx context.Context, id string, next model.WorkflowStatus, evType model.EventType, allowed func(model.WorkflowStatus) bool) error {
	now := e.now().UTC()
	return e.db.Update(ctx, func(txn kv.Txn) error {
		var inst model.WorkflowInstance
		if err := e.workflows.GetInstanceTxn(txn, id, &inst); err != nil {
			return err
		}
		if !allowed(inst.Status) {
			return apperr.InvalidState(fmt.Sprintf("instance %q cannot move from %s to %s", id, inst.Status, next))
		}
		inst.Status = next
		inst.UpdatedAt = now
		inst.Version++
		if next.Terminal() {
			inst.CompletedAt = &now
		}
		if err := e.workflows.PutInstanceTxn(txn, &inst); err != nil {
			return err
		}
		return e.events.AppendTxn(txn, &model.Event{
			EventID: uuid.NewString(), InstanceID: id, Type: evType, Timestamp: now,
		})
	})
}

// ListWorkers returns every known worker with freshly computed health.
func (e *Engine) ListWorkers() []*model.Worker {
	return e.registry.List(e.now())
}

// Recover scans for orphaned leases and locks held by workers the registry
// considers unhealthy, clearing them and re-queuing the affected tasks
// (spec §4.6, §9's recover() detail from original_source/).
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if err := e.registry.Rebuild(ctx); err != nil {
		return 0, err
	}
	unhealthy := e.registry.Unhealthy(e.now())
	if len(unhealthy) == 0 {
		return 0, nil
	}

	reclaimed, err := e.queue.ReclaimOrphaned(ctx, unhealthy)
	if err != nil {
		return 0, err
	}
	if _, err := e.locks.ReleaseHeldBy(ctx, unhealthy); err != nil {
		return reclaimed, err
	}
	e.logf().WithField("reclaimed_tasks", reclaimed).WithField("unhealthy_workers", len(unhealthy)).Info("recovery pass completed")
	return reclaimed, nil
}


// enqueueActions converts non-inline actions into task definitions and
// enqueues them, deriving each one's idempotency key from its position
// (spec §4.3).
func (e *Engine) enqueueActions(ctx context.Context, instanceID string, actions []model.Action, instCtx map[string]any) error {
	if len(actions) == 0 {
		return nil
	}
	inputBytes, err := json.Marshal(instCtx)
	if err != nil {
		return apperr.Internal("marshal action input context", err)
	}

	for i, action := range actions {
		td, err := statemachine.ToTaskDefinition(action)
		if err != nil {
			return err
		}
		if td.TimeoutMs == 0 {
			td.TimeoutMs = 30_000
		}
		task := &model.Task{
			WorkflowID:     instanceID,
			Definition:     td,
			InputBytes:     inputBytes,
			IdempotencyKey: statemachine.IdempotencyKey(instanceID, i, "0"),
			Priority:       0,
		}
		if err := e.queue.Enqueue(ctx, task); err != nil {
			return err
		}
		if err := e.events.Append(ctx, &model.Event{
			EventID: uuid.NewString(), InstanceID: instanceID, Type: model.EventTaskEnqueued, Timestamp: e.now().UTC(),
			Payload: map[string]any{"task_id": task.ID, "action": string(action.Kind)},
		}); err != nil {
			return err
		}
	}
	return nil
}

// ---- worker protocol (spec §6) ----

// RegisterWorker creates or updates a worker record, idempotent on id (spec
// §6's RegisterWorker).
func (e *Engine) RegisterWorker(ctx context.Context, id, hostname string, capabilities []model.RuntimeType) error {
	now := e.now().UTC()
	w := &model.Worker{
		ID: id, Hostname: hostname, Capabilities: capabilities,
		RegisteredAt: now, LastHeartbeat: now, Status: model.WorkerHealthy,
	}
	if existing, ok := e.registry.Get(id); ok {
		w.RegisteredAt = existing.RegisteredAt
		w.Stats = existing.Stats
	}
	return e.registry.Upsert(ctx, w)
}

// PollTaskScanLimit bounds how many idempotent-already-completed tasks
// PollTask will auto-complete and skip before giving up for this poll.
const PollTaskScanLimit = 5

// PollTask claims and returns at most one task for workerID, short-circuiting
// any claim whose idempotency key already has a recorded result (spec §4.4,
// §6).
func (e *Engine) PollTask(ctx context.Context, workerID string) (*model.Task, string, error) {
	for i := 0; i < PollTaskScanLimit; i++ {
		task, err := e.queue.Dequeue(ctx, workerID)
		if err != nil {
			return nil, "", err
		}
		if task == nil {
			return nil, "no tasks available", nil
		}

		if task.IdempotencyKey != "" {
			if result, found, err := e.queue.CheckIdempotency(ctx, task.IdempotencyKey); err != nil {
				return nil, "", err
			} else if found {
				if _, err := e.queue.Complete(ctx, task.ID, result); err != nil {
					return nil, "", err
				}
				continue
			}
		}
		return task, "", nil
	}
	return nil, "no tasks available", nil
}

// CompleteTask records a worker-reported outcome, deciding retry vs
// dead-letter on failure (spec §4.4, §6).
func (e *Engine) CompleteTask(ctx context.Context, workerID, taskID string, result *model.TaskResult) error {
	task, err := e.queue.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.LeaseInfo == nil || task.LeaseInfo.WorkerID != workerID {
		return apperr.Conflict(fmt.Sprintf("task %q is not leased to worker %q", taskID, workerID))
	}

	runtime := string(task.Definition.RuntimeType)
	duration := time.Duration(result.ExecutionTimeMs) * time.Millisecond

	if result.Success {
		if _, err := e.queue.Complete(ctx, taskID, result); err != nil {
			return err
		}
		metrics.RecordTaskCompletion(runtime, "success", duration)
		return e.events.Append(ctx, &model.Event{
			EventID: uuid.NewString(), InstanceID: task.WorkflowID, Type: model.EventTaskCompleted, Timestamp: e.now().UTC(),
			Payload: map[string]any{"task_id": taskID},
		})
	}

	policy := model.DefaultRetryPolicy()
	if task.Definition.RetryPolicy != nil {
		policy = *task.Definition.RetryPolicy
	}
	backoff := func(attempt int) time.Duration {
		return resilience.NextBackoff(
			time.Duration(policy.InitialDelayMs)*time.Millisecond,
			time.Duration(policy.MaxDelayMs)*time.Millisecond,
			policy.BackoffMultiplier, attempt)
	}

	updated, err := e.queue.Retry(ctx, taskID, backoff)
	if err != nil {
		return err
	}
	metrics.RecordTaskCompletion(runtime, "failure", duration)
	if updated.Status == model.TaskDeadLetter {
		metrics.RecordDeadLetter(runtime)
		return e.events.Append(ctx, &model.Event{
			EventID: uuid.NewString(), InstanceID: task.WorkflowID, Type: model.EventTaskDeadLettered, Timestamp: e.now().UTC(),
			Payload: map[string]any{"task_id": taskID, "attempt": updated.Attempt, "error": result.Error},
		})
	}
	return nil
}

// Heartbeat refreshes a worker's last-seen timestamp and stats (spec §6).
// It returns active=false when the worker had already gone unhealthy before
// this heartbeat arrived, so a worker can detect its own registration has
// lapsed and re-register.
func (e *Engine) Heartbeat(ctx context.Context, workerID string, stats model.WorkerStats) (bool, error) {
	w, ok := e.registry.Get(workerID)
	if !ok {
		return false, apperr.NotFound("worker", workerID)
	}
	now := e.now().UTC()
	status, _ := e.registry.StatusOf(workerID, now)
	w.LastHeartbeat = now
	w.Stats = stats
	if err := e.registry.Upsert(ctx, w); err != nil {
		return false, err
	}
	return status != model.WorkerUnhealthy, nil
}

// RefreshMetrics recomputes the gauges that reflect current aggregate state
// (workflow instance counts, worker health, queue depth) rather than a
// single delta, and is meant to be called periodically by a background
// sweeper (spec §4.8's Prometheus collectors).
func (e *Engine) RefreshMetrics(ctx context.Context) error {
	instanceCounts := map[model.WorkflowStatus]int{}
	defs, err := e.workflows.ListDefinitions(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		instances, err := e.workflows.ListInstancesByDefinition(ctx, def.ID)
		if err != nil {
			return err
		}
		for _, inst := range instances {
			instanceCounts[inst.Status]++
		}
	}
	for _, status := range []model.WorkflowStatus{
		model.StatusPending, model.StatusRunning, model.StatusPaused,
		model.StatusCompleted, model.StatusFailed, model.StatusCancelled,
	} {
		metrics.SetWorkflowInstances(string(status), instanceCounts[status])
	}

	now := e.now()
	workerCounts := map[model.WorkerStatus]int{}
	for _, w := range e.registry.List(now) {
		workerCounts[w.Status]++
	}
	for _, status := range []model.WorkerStatus{model.WorkerHealthy, model.WorkerDegraded, model.WorkerUnhealthy} {
		metrics.SetActiveWorkers(string(status), workerCounts[status])
	}

	queueCounts, err := e.queue.CountsByStatus(ctx)
	if err != nil {
		return err
	}
	for status, count := range queueCounts {
		metrics.SetQueueDepth(string(status), count)
	}
	return nil
}
