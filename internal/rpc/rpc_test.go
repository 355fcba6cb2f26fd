package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/workflow-engine/internal/engine"
	"github.com/r3e-network/workflow-engine/internal/kv"
	"github.com/r3e-network/workflow-engine/internal/model"
	"github.com/r3e-network/workflow-engine/internal/statemachine"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db := kv.NewMemory()
	eval := statemachine.NewEvaluator(nil)
	eng := engine.New(db, eval, logger.NewDefault())
	return NewServer(eng, logger.NewDefault())
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReturnsOK(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	def := registerWorkflowRequest{
		Name: "unary",
		Machine: model.StateMachine{
			InitialState: "start",
			States: map[string]model.State{
				"start": {Name: "start", Transitions: []model.Transition{{Event: "finish", TargetState: "end"}}},
				"end":   {Name: "end", Terminal: true},
			},
		},
	}
	rec := doJSON(t, router, http.MethodPost, "/workflows/", def)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created registerWorkflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = doJSON(t, router, http.MethodPost, "/workflows/"+created.ID+"/start", startWorkflowRequest{Input: map[string]any{}})
	require.Equal(t, http.StatusCreated, rec.Code)

	var inst model.WorkflowInstance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	require.Equal(t, "start", inst.CurrentState)

	rec = doJSON(t, router, http.MethodPost, "/instances/"+inst.ID+"/transition", transitionRequest{Event: "finish"})
	require.Equal(t, http.StatusOK, rec.Code)

	var transitioned transitionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &transitioned))
	require.Equal(t, "end", transitioned.State)
}

func TestWorkerProtocolOverHTTP(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/rpc/RegisterWorker", RegisterWorkerRequest{
		WorkerID: "worker-1", Capabilities: []model.RuntimeType{model.RuntimeJavaScript},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/rpc/PollTask", PollTaskRequest{WorkerID: "worker-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var poll PollTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &poll))
	require.Nil(t, poll.Task)
	require.NotEmpty(t, poll.NoTaskReason)

	rec = doJSON(t, router, http.MethodPost, "/rpc/Heartbeat", HeartbeatRequest{WorkerID: "worker-1"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownInstanceReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodGet, "/instances/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
