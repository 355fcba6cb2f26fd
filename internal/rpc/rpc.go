// Package rpc implements the RPC boundary of spec §6: the four-method
// worker wire protocol (RegisterWorker/PollTask/CompleteTask/Heartbeat)
// plus the engine façade's management surface, mounted on a chi router with
// JSON envelopes. This package is the thin transport the spec treats as a
// collaborator's concern in general (a full Connect-RPC stack is out of
// scope), but the four worker methods are core and get a concrete HTTP
// binding here so the worker client loop (internal/worker) has something
// real to call.
package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/r3e-network/workflow-engine/internal/apperr"
	"github.com/r3e-network/workflow-engine/internal/engine"
	"github.com/r3e-network/workflow-engine/internal/metrics"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

// Server mounts the engine's RPC surface.
type Server struct {
	eng *engine.Engine
	log *logger.Logger
}

// NewServer returns a Server bound to eng.
func NewServer(eng *engine.Engine, log *logger.Logger) *Server {
	return &Server{eng: eng, log: log}
}

// Router builds the chi router for the engine's HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	r.Route("/rpc", func(r chi.Router) {
		r.Post("/RegisterWorker", s.handleRegisterWorker)
		r.Post("/PollTask", s.handlePollTask)
		r.Post("/CompleteTask", s.handleCompleteTask)
		r.Post("/Heartbeat", s.handleHeartbeat)
	})

	r.Route("/workflows", func(r chi.Router) {
		r.Post("/", s.handleRegisterWorkflow)
		r.Get("/{defID}", s.handleGetWorkflow)
		r.Post("/{defID}/start", s.handleStartWorkflow)
	})

	r.Route("/instances", func(r chi.Router) {
		r.Get("/{id}", s.handleGetInstance)
		r.Get("/{id}/events", s.handleListEvents)
		r.Post("/{id}/transition", s.handleTransition)
		r.Post("/{id}/pause", s.handlePause)
		r.Post("/{id}/resume", s.handleResume)
		r.Post("/{id}/cancel", s.handleCancel)
	})

	r.Get("/workers", s.handleListWorkers)
	r.Post("/recover", s.handleRecover)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/healthz", s.handleHealthz)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.InvalidInput("malformed request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorEnvelope is the JSON body returned for any failed RPC call.
type errorEnvelope struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := httpStatus(kind)
	if s.log != nil {
		s.log.WithField("kind", kind).WithField("status", status).Warn(err.Error())
	}
	writeJSON(w, status, errorEnvelope{Kind: string(kind), Message: err.Error()})
}

// httpStatus maps an error Kind to an HTTP status code (spec §7: "RPC
// endpoints map kinds to stable status codes").
func httpStatus(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidState, apperr.KindTransitionNotAllowed:
		return http.StatusUnprocessableEntity
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindRuntime:
		return http.StatusBadGateway
	case apperr.KindPersistence, apperr.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
