package rpc

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/r3e-network/workflow-engine/internal/apperr"
	"github.com/r3e-network/workflow-engine/internal/model"
)

type registerWorkflowRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Machine     model.StateMachine `json:"machine"`
}

type registerWorkflowResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	var req registerWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	def := &model.WorkflowDefinition{Name: req.Name, Description: req.Description, Machine: req.Machine}
	id, err := s.eng.RegisterWorkflow(r.Context(), def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerWorkflowResponse{ID: id})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := s.eng.GetWorkflow(r.Context(), chi.URLParam(r, "defID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

type startWorkflowRequest struct {
	Input map[string]any `json:"input"`
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	inst, err := s.eng.StartWorkflow(r.Context(), chi.URLParam(r, "defID"), req.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.eng.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.eng.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type transitionRequest struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

type transitionResponse struct {
	State string `json:"state"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Event == "" {
		s.writeError(w, apperr.InvalidInput("event is required"))
		return
	}
	state, err := s.eng.Transition(r.Context(), chi.URLParam(r, "id"), req.Event, req.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{State: state})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycleOp(w, r, s.eng.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycleOp(w, r, s.eng.Resume)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycleOp(w, r, s.eng.Cancel)
}

func (s *Server) handleLifecycleOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	if err := op(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.ListWorkers())
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	reclaimed, err := s.eng.Recover(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed_tasks": reclaimed})
}
