// Package wasm implements the sandboxed Wasm runtime of spec §4.7: each
// execution gets a fresh wazero runtime and store, loads the task's module,
// writes the input into linear memory, and invokes an
// `execute(ptr, len) -> ptr` entry point with a WASI context for stdio.
package wasm

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/r3e-network/workflow-engine/internal/apperr"
)

// Result is the outcome of one Wasm execution.
type Result struct {
	Output []byte
}

// Engine runs Wasm modules, capping concurrent executions with a
// process-wide semaphore, mirroring the script engine's pool discipline.
type Engine struct {
	sem chan struct{}
}

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

// Execute loads code as a Wasm module and calls its exported `execute`
// function with input written to linear memory, returning the bytes read
// back from the pointer it returns. The result length convention is a
// 4-byte little-endian length prefix at the returned pointer, followed by
// the bytes themselves — the simplest ABI a guest can implement without a
// host-side allocator handshake.
func (e *Engine) Execute(ctx context.Context, code []byte, input []byte, timeout time.Duration) (*Result, error) {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, apperr.TimeoutErr("runtime pool saturated")
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		res, err := e.run(execCtx, code, input)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-execCtx.Done():
		return nil, apperr.New(apperr.KindTimeout, "wasm execution exceeded timeout")
	}
}

func (e *Engine) run(ctx context.Context, code []byte, input []byte) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Runtime(fmt.Sprintf("wasm panic: %v", r), nil)
		}
	}()

	runtime := wazero.NewRuntime(ctx)
	defer runtime.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, apperr.Runtime("failed to instantiate WASI", err)
	}

	module, err := runtime.Instantiate(ctx, code)
	if err != nil {
		return nil, apperr.New(apperr.KindRuntime, fmt.Sprintf("wasm instantiate failed: %v", err))
	}
	defer module.Close(ctx)

	memory := module.Memory()
	if memory == nil {
		return nil, apperr.New(apperr.KindRuntime, "wasm module exports no memory")
	}

	alloc := module.ExportedFunction("alloc")
	execute := module.ExportedFunction("execute")
	if execute == nil {
		return nil, apperr.New(apperr.KindRuntime, "wasm module does not export execute")
	}

	var ptr uint32
	if alloc != nil {
		allocRes, err := alloc.Call(ctx, uint64(len(input)))
		if err != nil {
			return nil, apperr.New(apperr.KindRuntime, fmt.Sprintf("wasm alloc failed: %v", err))
		}
		ptr = uint32(allocRes[0])
	}
	if !memory.Write(ptr, input) {
		return nil, apperr.New(apperr.KindRuntime, "failed to write input into wasm memory")
	}

	resultVals, err := execute.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, apperr.New(apperr.KindRuntime, fmt.Sprintf("wasm trap: %v", err))
	}
	resultPtr := uint32(resultVals[0])

	lenBytes, ok := memory.Read(resultPtr, 4)
	if !ok {
		return nil, apperr.New(apperr.KindRuntime, "failed to read wasm result length")
	}
	resultLen := binary.LittleEndian.Uint32(lenBytes)

	payload, ok := memory.Read(resultPtr+4, resultLen)
	if !ok {
		return nil, apperr.New(apperr.KindRuntime, "failed to read wasm result payload")
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	return &Result{Output: out}, nil
}
