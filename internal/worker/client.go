// Package worker implements the worker client loop of spec §4.8: register,
// then poll/execute/report on a timer while heartbeating in parallel, with
// a bounded active-task cap and a graceful shutdown that waits for
// in-flight work.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/workflow-engine/internal/apperr"
	"github.com/r3e-network/workflow-engine/internal/config"
	"github.com/r3e-network/workflow-engine/internal/lifecycle"
	"github.com/r3e-network/workflow-engine/internal/model"
	"github.com/r3e-network/workflow-engine/internal/rpc"
	"github.com/r3e-network/workflow-engine/internal/runtime/script"
	"github.com/r3e-network/workflow-engine/internal/runtime/wasm"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

// Client is one worker process's connection to the engine.
type Client struct {
	cfg    *config.WorkerConfig
	engine string
	http   *http.Client
	log    *logger.Logger

	script *script.Engine
	wasm   *wasm.Engine

	sem chan struct{}
	wg  sync.WaitGroup

	active    int64
	completed int64
	failed    int64
}

// New builds a Client from cfg, sandboxing tasks with the given runtimes.
func New(cfg *config.WorkerConfig, scriptEngine *script.Engine, wasmEngine *wasm.Engine, log *logger.Logger) *Client {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	maxTasks := cfg.MaxConcurrentTask
	if maxTasks <= 0 {
		maxTasks = 1
	}
	return &Client{
		cfg:    cfg,
		engine: cfg.EngineAddr,
		http:   &http.Client{Timeout: 60 * time.Second},
		log:    log,
		script: scriptEngine,
		wasm:   wasmEngine,
		sem:    make(chan struct{}, maxTasks),
	}
}

// Run registers with the engine and drives the poll/heartbeat loops until
// ctx is cancelled, then waits up to ShutdownGrace for in-flight tasks
// before sending a final idle heartbeat (spec §4.8, §5).
func (c *Client) Run(ctx context.Context) error {
	if err := c.register(ctx); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	c.log.WithField("worker_id", c.cfg.WorkerID).WithField("engine", c.engine).Info("worker registered")

	group := lifecycle.NewGroup()
	group.Start(ctx,
		lifecycle.Task{
			Name:     "poll",
			Interval: c.cfg.PollInterval,
			Run:      c.pollTick,
			OnError:  c.logTaskError,
		},
		lifecycle.Task{
			Name:     "heartbeat",
			Interval: c.cfg.HeartbeatInterval,
			Run:      c.heartbeatTick,
			OnError:  c.logTaskError,
		},
	)

	<-ctx.Done()
	c.log.Info("shutdown signal received; no longer accepting new polls")
	group.Stop()

	c.waitInFlight(c.cfg.ShutdownGrace)

	finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.heartbeat(finalCtx); err != nil {
		c.log.WithField("error", err).Warn("final heartbeat failed")
	}
	return nil
}

func (c *Client) logTaskError(name string, err error) {
	c.log.WithField("loop", name).WithField("error", err).Warn("worker loop iteration failed")
}

// waitInFlight blocks until every in-flight task goroutine finishes or grace
// elapses, whichever comes first.
func (c *Client) waitInFlight(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		c.log.Warn("shutdown grace period elapsed with tasks still in flight")
	}
}

// pollTick attempts to claim one task if a concurrency slot is free, running
// the claim/execute/report sequence on its own goroutine so multiple slots
// can be in flight at once (spec §4.8's "active-task cap").
func (c *Client) pollTick(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
	default:
		return nil // at the concurrency cap; try again next tick
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.sem }()
		c.pollExecuteReport(ctx)
	}()
	return nil
}

func (c *Client) pollExecuteReport(ctx context.Context) {
	atomic.AddInt64(&c.active, 1)
	defer atomic.AddInt64(&c.active, -1)

	task, reason, err := c.poll(ctx)
	if err != nil {
		c.log.WithField("error", err).Warn("poll failed")
		return
	}
	if task == nil {
		if reason != "" {
			c.log.WithField("reason", reason).Debug("no task available")
		}
		return
	}

	result := c.execute(ctx, task)
	if result.Success {
		atomic.AddInt64(&c.completed, 1)
	} else {
		atomic.AddInt64(&c.failed, 1)
	}

	if err := c.report(ctx, task.TaskID, result); err != nil {
		c.log.WithField("task_id", task.TaskID).WithField("error", err).Warn("report failed")
	}
}

// execute runs task in the runtime its type selects, enforcing the
// announced timeout (spec §4.7).
func (c *Client) execute(ctx context.Context, task *rpc.WireTask) *model.TaskResult {
	timeout := time.Duration(task.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	start := time.Now()

	switch task.TaskType {
	case model.RuntimeJavaScript:
		res, err := c.script.Execute(ctx, string(task.Code), task.Input, timeout)
		if err != nil {
			return toResult(nil, err, start)
		}
		return toResult(res.Value, nil, start)
	case model.RuntimeWasm:
		res, err := c.wasm.Execute(ctx, task.Code, []byte(task.Input), timeout)
		if err != nil {
			return toResult(nil, err, start)
		}
		return toResult(json.RawMessage(res.Output), nil, start)
	default:
		return toResult(nil, apperr.InvalidInput(fmt.Sprintf("unsupported task type %q", task.TaskType)), start)
	}
}

func toResult(output any, err error, start time.Time) *model.TaskResult {
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return &model.TaskResult{Success: false, Error: err.Error(), ExecutionTimeMs: elapsed}
	}
	return &model.TaskResult{Success: true, Output: output, ExecutionTimeMs: elapsed}
}

// ---- RPC calls ----

func (c *Client) register(ctx context.Context) error {
	req := rpc.RegisterWorkerRequest{
		WorkerID:     c.cfg.WorkerID,
		Capabilities: []model.RuntimeType{model.RuntimeJavaScript, model.RuntimeWasm},
		Hostname:     c.cfg.Hostname,
	}
	var resp rpc.RegisterWorkerResponse
	return c.call(ctx, "/rpc/RegisterWorker", req, &resp)
}

func (c *Client) poll(ctx context.Context) (*rpc.WireTask, string, error) {
	req := rpc.PollTaskRequest{WorkerID: c.cfg.WorkerID}
	var resp rpc.PollTaskResponse
	if err := c.call(ctx, "/rpc/PollTask", req, &resp); err != nil {
		return nil, "", err
	}
	return resp.Task, resp.NoTaskReason, nil
}

func (c *Client) report(ctx context.Context, taskID string, result *model.TaskResult) error {
	req := rpc.CompleteTaskRequest{WorkerID: c.cfg.WorkerID, TaskID: taskID, Result: *result}
	var resp rpc.CompleteTaskResponse
	return c.call(ctx, "/rpc/CompleteTask", req, &resp)
}

func (c *Client) heartbeatTick(ctx context.Context) error {
	return c.heartbeat(ctx)
}

func (c *Client) heartbeat(ctx context.Context) error {
	req := rpc.HeartbeatRequest{
		WorkerID: c.cfg.WorkerID,
		Status: model.WorkerStats{
			Active:    int(atomic.LoadInt64(&c.active)),
			Completed: int(atomic.LoadInt64(&c.completed)),
			Failed:    int(atomic.LoadInt64(&c.failed)),
		},
	}
	var resp rpc.HeartbeatResponse
	if err := c.call(ctx, "/rpc/Heartbeat", req, &resp); err != nil {
		return err
	}
	if !resp.Active {
		c.log.WithField("message", resp.Message).Warn("engine reports this worker as unhealthy")
	}
	return nil
}

func (c *Client) call(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperr.Internal("marshal rpc request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.engine+path, bytes.NewReader(payload))
	if err != nil {
		return apperr.Internal("build rpc request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return apperr.Wrap(apperr.KindTimeout, "rpc call failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		return apperr.New(apperr.Kind(envelope.Kind), envelope.Message)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
