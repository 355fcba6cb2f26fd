package rpc

import (
	"encoding/json"

	"github.com/r3e-network/workflow-engine/internal/model"
)

// The types below are the exported wire shapes of spec §6's four-method
// worker protocol, shared between the engine's handlers and the worker
// client (internal/worker) so both sides of the JSON envelope agree without
// duplicating struct tags.

// RegisterWorkerRequest/Response implement spec §6's RegisterWorker method.
type RegisterWorkerRequest struct {
	WorkerID     string              `json:"worker_id"`
	Capabilities []model.RuntimeType `json:"capabilities"`
	Hostname     string              `json:"hostname"`
}

type RegisterWorkerResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// PollTaskRequest/Response implement spec §6's PollTask method.
type PollTaskRequest struct {
	WorkerID string `json:"worker_id"`
}

// WireTask is the over-the-wire shape of a claimed task (spec §6's
// PollTask response: `task_type`, `code`, `input`, `metadata`).
type WireTask struct {
	TaskID     string            `json:"task_id"`
	WorkflowID string            `json:"workflow_id"`
	TaskType   model.RuntimeType `json:"task_type"`
	Code       []byte            `json:"code"`
	Input      json.RawMessage   `json:"input"`
	TimeoutMs  int64             `json:"timeout_ms"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type PollTaskResponse struct {
	Task         *WireTask `json:"task,omitempty"`
	NoTaskReason string    `json:"no_task_reason,omitempty"`
}

// CompleteTaskRequest/Response implement spec §6's CompleteTask method.
type CompleteTaskRequest struct {
	WorkerID string           `json:"worker_id"`
	TaskID   string           `json:"task_id"`
	Result   model.TaskResult `json:"result"`
}

type CompleteTaskResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// HeartbeatRequest/Response implement spec §6's Heartbeat method.
type HeartbeatRequest struct {
	WorkerID string            `json:"worker_id"`
	Status   model.WorkerStats `json:"status"`
}

type HeartbeatResponse struct {
	Active  bool   `json:"active"`
	Message string `json:"message,omitempty"`
}
