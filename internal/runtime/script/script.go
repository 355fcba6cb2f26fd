// Package script implements the sandboxed JavaScript runtime of spec §4.7.
// Each execution creates a fresh goja VM so no state leaks between tasks,
// directly adapted from the teacher's system/tee script engine: a fresh
// isolate per call, console output captured instead of written to stdout,
// and the task's result round-tripped through JSON.
package script

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/r3e-network/workflow-engine/internal/apperr"
)

// Result is the outcome of one script execution.
type Result struct {
	Value any
	Logs  []string
}

// Engine runs scripts, capping the number of concurrently live VMs with a
// process-wide semaphore (spec §4.7, §5's "runtime concurrency is gated by
// a semaphore sized at pool construction").
type Engine struct {
	sem chan struct{}
}

// NewEngine returns an Engine allowing up to poolSize concurrent isolates.
func NewEngine(poolSize int) *Engine {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Engine{sem: make(chan struct{}, poolSize)}
}

// PoolStats reports current semaphore occupancy for the runtime pool gauge
// (spec §4.8).
func (e *Engine) PoolStats() (inUse, capacity int) {
	return len(e.sem), cap(e.sem)
}

// Execute runs source's default export as a function of one argument,
// passing input (parsed from JSON), and returns the JSON round-tripped
// result. It enforces the timeout by running the call on a goroutine and
// abandoning it (goja scripts cannot be safely preempted mid-instruction;
// the abandoned VM is garbage once its goroutine returns).
func (e *Engine) Execute(ctx context.Context, source string, input json.RawMessage, timeout time.Duration) (*Result, error) {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, apperr.TimeoutErr("runtime pool saturated")
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		res, err := e.run(source, input)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-time.After(timeout):
		return nil, apperr.New(apperr.KindTimeout, "script execution exceeded timeout")
	case <-ctx.Done():
		return nil, apperr.TimeoutErr("script execution cancelled")
	}
}

func (e *Engine) run(source string, input json.RawMessage) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Runtime(fmt.Sprintf("script panic: %v", r), nil)
		}
	}()

	vm := goja.New()
	var logs []string

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			args = append(args, a.String())
		}
		logs = append(logs, joinArgs(args))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	if _, err := vm.RunString(builtins); err != nil {
		return nil, apperr.Runtime("failed to install builtins", err)
	}

	// goja does not parse ES module syntax; scripts are authored with
	// `export default <expr>` since that is the entry-point convention
	// spec'd for tasks, so rewrite it to a CommonJS assignment goja can run.
	normalized := strings.Replace(source, "export default", "module.exports.default =", 1)

	wrapped := "(function(){\n" + normalized + "\nif (typeof module !== 'undefined' && module.exports && module.exports.default) { return module.exports.default; }\nif (typeof exports !== 'undefined' && exports.default) { return exports.default; }\nreturn undefined;\n})()"
	exported, err := vm.RunString(wrapped)
	if err != nil {
		return nil, apperr.New(apperr.KindRuntime, fmt.Sprintf("script compile error: %v", err))
	}

	fn, ok := goja.AssertFunction(exported)
	if !ok {
		return nil, apperr.New(apperr.KindRuntime, "script has no callable default export")
	}

	var parsedInput any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &parsedInput); err != nil {
			return nil, apperr.InvalidInput("task input is not valid JSON")
		}
	}
	jsInput := vm.ToValue(parsedInput)

	result, err := fn(goja.Undefined(), jsInput)
	if err != nil {
		return nil, apperr.New(apperr.KindRuntime, fmt.Sprintf("script threw: %v", err))
	}

	exported2 := result.Export()
	roundTripped, err := json.Marshal(exported2)
	if err != nil {
		return nil, apperr.Runtime("script result is not JSON-serializable", err)
	}
	var final any
	if err := json.Unmarshal(roundTripped, &final); err != nil {
		return nil, apperr.Runtime("script result round-trip failed", err)
	}

	return &Result{Value: final, Logs: logs}, nil
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// builtins mirrors the small standard-library shim the teacher's engine
// injects into every isolate: it declares `exports` and `module`. goja does
// not parse ES module syntax, so run rewrites the first `export default` in
// the source to `module.exports.default =`; a script may instead assign
// `exports.default` or `module.exports.default` itself.
const builtins = `
var exports = {};
var module = { exports: {} };
`
