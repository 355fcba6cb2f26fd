package rpc

import (
	"encoding/json"
	"net/http"
	"strconv"
)

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req RegisterWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.eng.RegisterWorker(r.Context(), req.WorkerID, req.Hostname, req.Capabilities); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RegisterWorkerResponse{Success: true})
}

func (s *Server) handlePollTask(w http.ResponseWriter, r *http.Request) {
	var req PollTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	task, reason, err := s.eng.PollTask(r.Context(), req.WorkerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusOK, PollTaskResponse{NoTaskReason: reason})
		return
	}

	input := json.RawMessage(task.InputBytes)
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	writeJSON(w, http.StatusOK, PollTaskResponse{Task: &WireTask{
		TaskID:     task.ID,
		WorkflowID: task.WorkflowID,
		TaskType:   task.Definition.RuntimeType,
		Code:       task.Definition.CodeBytes,
		Input:      input,
		TimeoutMs:  task.Definition.TimeoutMs,
		Metadata:   map[string]string{"name": task.Definition.Name, "attempt": strconv.Itoa(task.Attempt)},
	}})
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req CompleteTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.eng.CompleteTask(r.Context(), req.WorkerID, req.TaskID, &req.Result); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CompleteTaskResponse{Acknowledged: true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	active, err := s.eng.Heartbeat(r.Context(), req.WorkerID, req.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := HeartbeatResponse{Active: active}
	if !active {
		resp.Message = "worker considered unhealthy; re-register"
	}
	writeJSON(w, http.StatusOK, resp)
}
