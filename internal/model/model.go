// Package model holds the engine's closed-set record types (spec §3):
// workflow definitions, instances, tasks, workers, events, locks, and
// idempotency records. These are plain JSON-tagged structs: the persistence
// layer encodes them with encoding/json, matching spec §4.1's "JSON for
// records" rule.
package model

import "time"

// WorkflowStatus is a closed set of instance lifecycle states.
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "Pending"
	StatusRunning   WorkflowStatus = "Running"
	StatusPaused    WorkflowStatus = "Paused"
	StatusCompleted WorkflowStatus = "Completed"
	StatusFailed    WorkflowStatus = "Failed"
	StatusCancelled WorkflowStatus = "Cancelled"
)

// Terminal reports whether status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus is a closed set of task execution states.
type TaskStatus string

const (
	TaskPending    TaskStatus = "Pending"
	TaskAssigned   TaskStatus = "Assigned"
	TaskRunning    TaskStatus = "Running"
	TaskCompleted  TaskStatus = "Completed"
	TaskFailed     TaskStatus = "Failed"
	TaskRetrying   TaskStatus = "Retrying"
	TaskDeadLetter TaskStatus = "DeadLetter"
)

// RuntimeType names the sandboxed execution environment a task runs in.
type RuntimeType string

const (
	RuntimeJavaScript RuntimeType = "javascript"
	RuntimeWasm       RuntimeType = "wasm"
)

// WorkerStatus is a closed set of worker health states.
type WorkerStatus string

const (
	WorkerHealthy   WorkerStatus = "Healthy"
	WorkerDegraded  WorkerStatus = "Degraded"
	WorkerUnhealthy WorkerStatus = "Unhealthy"
)

// ActionKind tags the variant held by Action.
type ActionKind string

const (
	ActionExecuteTask ActionKind = "ExecuteTask"
	ActionSetData     ActionKind = "SetData"
	ActionLog         ActionKind = "Log"
	ActionNoOp        ActionKind = "NoOp"
	ActionScript      ActionKind = "Script"
	ActionHTTP        ActionKind = "Http"
	ActionDelay       ActionKind = "Delay"
)

// Inline reports whether this action kind is evaluated directly inside the
// transition transaction rather than enqueued as a task (spec §4.3).
func (k ActionKind) Inline() bool {
	switch k {
	case ActionSetData, ActionLog, ActionNoOp:
		return true
	default:
		return false
	}
}

// Action is the tagged variant of spec §3. Only the fields relevant to Kind
// are populated; unused fields are left zero.
type Action struct {
	Kind ActionKind `json:"kind"`

	// ExecuteTask
	Task *TaskDefinition `json:"task,omitempty"`

	// SetData
	Key   string `json:"key,omitempty"`
	Value any    `json:"value,omitempty"`

	// Log
	Message string `json:"message,omitempty"`

	// Script
	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"`

	// Http
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	// Delay
	Seconds int `json:"seconds,omitempty"`
}

// RetryPolicy controls task retry/backoff (spec §3, §4.4).
type RetryPolicy struct {
	MaxAttempts      int     `json:"max_attempts"`
	InitialDelayMs   int64   `json:"initial_delay_ms"`
	MaxDelayMs       int64   `json:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// DefaultRetryPolicy is used when a TaskDefinition omits one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, InitialDelayMs: 0, MaxDelayMs: 0, BackoffMultiplier: 1}
}

// TaskDefinition describes sandboxed work to be scheduled (spec §3).
type TaskDefinition struct {
	Name        string       `json:"name"`
	RuntimeType RuntimeType  `json:"runtime_type"`
	CodeBytes   []byte       `json:"code_bytes"`
	TimeoutMs   int64        `json:"timeout_ms"`
	RetryPolicy *RetryPolicy `json:"retry_policy,omitempty"`
}

// Transition is one outbound edge of a State (spec §3).
type Transition struct {
	Event         string  `json:"event"`
	TargetState   string  `json:"target_state"`
	Guard         string  `json:"guard,omitempty"`       // script source, evaluated against instance context
	Action        *Action `json:"action,omitempty"`
	Compensation  *Action `json:"compensation,omitempty"`
}

// State is one vertex of a workflow's state machine (spec §3).
type State struct {
	Name        string       `json:"name"`
	OnEnter     []Action     `json:"on_enter"`
	OnExit      []Action     `json:"on_exit"`
	Transitions []Transition `json:"transitions"`
	Terminal    bool         `json:"terminal"`
}

// StateMachine is a mapping from state name to State plus an initial state
// name (spec §3).
type StateMachine struct {
	States       map[string]State `json:"states"`
	InitialState string           `json:"initial_state"`
}

// WorkflowDefinition is an immutable, registered state machine (spec §3).
type WorkflowDefinition struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Machine     StateMachine `json:"machine"`
	CreatedAt   time.Time    `json:"created_at"`
}

// WorkflowInstance is a running evaluation of a WorkflowDefinition (spec §3).
type WorkflowInstance struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	CurrentState string         `json:"current_state"`
	Context      map[string]any `json:"context"`
	Status       WorkflowStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Version      uint64         `json:"version"`
}

// Lease binds a task exclusively to one worker for a bounded interval
// (spec §3, §4.4).
type Lease struct {
	WorkerID      string    `json:"worker_id"`
	ClaimedAt     time.Time `json:"claimed_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// TaskResult is the outcome reported by a worker for a completed task.
type TaskResult struct {
	Success         bool            `json:"success"`
	Output          any             `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
}

// Task is a task execution record (spec §3).
type Task struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	Definition     TaskDefinition  `json:"definition"`
	InputBytes     []byte          `json:"input_bytes"`
	Status         TaskStatus      `json:"status"`
	AssignedWorker string          `json:"assigned_worker,omitempty"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotency_key"`
	Priority       int32           `json:"priority"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Result         *TaskResult     `json:"result,omitempty"`
	LeaseInfo      *Lease          `json:"lease,omitempty"`
}

// WorkerStats tracks a worker's running task counters (spec §3).
type WorkerStats struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Worker is a registered worker process (spec §3).
type Worker struct {
	ID            string         `json:"id"`
	Hostname      string         `json:"hostname"`
	Capabilities  []RuntimeType  `json:"capabilities"`
	RegisteredAt  time.Time      `json:"registered_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Status        WorkerStatus   `json:"status"`
	Stats         WorkerStats    `json:"stats"`
}

// EventType is a closed set of event-log entry kinds.
type EventType string

const (
	EventInstanceCreated   EventType = "InstanceCreated"
	EventStateTransition   EventType = "StateTransition"
	EventInstanceCompleted EventType = "InstanceCompleted"
	EventInstancePaused    EventType = "InstancePaused"
	EventInstanceResumed   EventType = "InstanceResumed"
	EventInstanceCancelled EventType = "InstanceCancelled"
	EventTaskEnqueued      EventType = "TaskEnqueued"
	EventTaskCompleted     EventType = "TaskCompleted"
	EventTaskDeadLettered  EventType = "TaskDeadLettered"
)

// Event is one append-only event-log entry (spec §3).
type Event struct {
	EventID    string    `json:"event_id"`
	InstanceID string    `json:"instance_id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload,omitempty"`
}

// LockRecord serializes per-instance work across engines (spec §3, §9 —
// the canonical lock layout is a single JSON object, not a custom codec).
type LockRecord struct {
	HolderWorkerID string    `json:"holder_worker_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}
