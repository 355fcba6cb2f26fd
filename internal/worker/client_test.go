package worker

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/workflow-engine/internal/config"
	"github.com/r3e-network/workflow-engine/internal/engine"
	"github.com/r3e-network/workflow-engine/internal/kv"
	"github.com/r3e-network/workflow-engine/internal/model"
	"github.com/r3e-network/workflow-engine/internal/rpc"
	"github.com/r3e-network/workflow-engine/internal/runtime/script"
	"github.com/r3e-network/workflow-engine/internal/runtime/wasm"
	"github.com/r3e-network/workflow-engine/internal/statemachine"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	db := kv.NewMemory()
	eval := statemachine.NewEvaluator(nil)
	eng := engine.New(db, eval, logger.NewDefault())
	srv := rpc.NewServer(eng, logger.NewDefault())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, eng
}

func newTestClient(t *testing.T, engineAddr string) *Client {
	t.Helper()
	cfg := &config.WorkerConfig{
		EngineAddr:        engineAddr,
		WorkerID:          "worker-1",
		Hostname:          "test-host",
		PollInterval:      50 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		ShutdownGrace:     time.Second,
		MaxConcurrentTask: 2,
	}
	return New(cfg, script.NewEngine(2), wasm.NewEngine(1), logger.NewDefault())
}

func TestRegisterAndHeartbeat(t *testing.T) {
	ts, _ := newTestServer(t)
	client := newTestClient(t, ts.URL)

	require.NoError(t, client.register(context.Background()))
	require.NoError(t, client.heartbeat(context.Background()))
}

func TestPollExecuteReportRoundTrip(t *testing.T) {
	ts, eng := newTestServer(t)
	client := newTestClient(t, ts.URL)
	ctx := context.Background()

	def := &model.WorkflowDefinition{
		Name: "worker-roundtrip",
		Machine: model.StateMachine{
			InitialState: "start",
			States: map[string]model.State{
				"start": {
					Name: "start",
					OnEnter: []model.Action{
						{Kind: model.ActionExecuteTask, Task: &model.TaskDefinition{
							Name:        "double",
							RuntimeType: model.RuntimeJavaScript,
							CodeBytes:   []byte("export default (x) => ({ doubled: (x.n || 0) * 2 })"),
						}},
					},
					Transitions: []model.Transition{{Event: "finish", TargetState: "end"}},
				},
				"end": {Name: "end", Terminal: true},
			},
		},
	}
	defID, err := eng.RegisterWorkflow(ctx, def)
	require.NoError(t, err)
	_, err = eng.StartWorkflow(ctx, defID, map[string]any{"n": 21})
	require.NoError(t, err)

	require.NoError(t, client.register(ctx))

	task, reason, err := client.poll(ctx)
	require.NoError(t, err)
	require.Empty(t, reason)
	require.NotNil(t, task)
	require.Equal(t, model.RuntimeJavaScript, task.TaskType)

	result := client.execute(ctx, task)
	require.True(t, result.Success)

	require.NoError(t, client.report(ctx, task.TaskID, result))

	completed, _, err := eng.PollTask(ctx, "worker-1")
	require.NoError(t, err)
	require.Nil(t, completed, "the task was already completed and must not be redelivered")
}

func TestExecuteUnsupportedRuntimeType(t *testing.T) {
	ts, _ := newTestServer(t)
	client := newTestClient(t, ts.URL)

	task := &rpc.WireTask{TaskType: "cobol", Input: []byte("{}")}
	result := client.execute(context.Background(), task)
	require.False(t, result.Success)
	require.NotEmpty(t, result.Error)
}
