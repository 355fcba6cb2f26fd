// Command worker runs a workflow engine worker: it registers with an engine,
// then polls for tasks and executes them in the sandboxed script or Wasm
// runtime the task selects (spec §4.7, §4.8).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/r3e-network/workflow-engine/internal/config"
	"github.com/r3e-network/workflow-engine/internal/runtime/script"
	"github.com/r3e-network/workflow-engine/internal/runtime/wasm"
	"github.com/r3e-network/workflow-engine/internal/worker"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

func main() {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stdout"})

	scriptEngine := script.NewEngine(cfg.ScriptPoolSize)
	wasmEngine := wasm.NewEngine(cfg.WasmPoolSize)

	client := worker.New(cfg, scriptEngine, wasmEngine, log)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if err := client.Run(ctx); err != nil {
		log.WithField("error", err).Fatal("worker exited")
	}
}
