// Command engine runs the workflow engine façade: Badger-backed persistence,
// the state machine evaluator, the task queue, and the chi-routed RPC
// surface the worker fleet and any management client talk to (spec §4.6, §6).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/r3e-network/workflow-engine/internal/config"
	"github.com/r3e-network/workflow-engine/internal/engine"
	"github.com/r3e-network/workflow-engine/internal/kv"
	"github.com/r3e-network/workflow-engine/internal/lifecycle"
	"github.com/r3e-network/workflow-engine/internal/rpc"
	"github.com/r3e-network/workflow-engine/internal/runtime/script"
	"github.com/r3e-network/workflow-engine/internal/statemachine"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

func main() {
	cfg, err := config.LoadEngineConfig()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stdout"})

	db, err := kv.Open(kv.Options{Dir: cfg.DataDir, Logger: log})
	if err != nil {
		log.WithField("error", err).Fatal("failed to open data store")
	}
	defer db.Close()

	guardEngine := script.NewEngine(8) // guard scripts are short-lived; a small pool is plenty
	eval := statemachine.NewEvaluator(guardEngine)

	eng := engine.New(db, eval, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if reclaimed, err := eng.Recover(ctx); err != nil {
		log.WithField("error", err).Warn("startup recovery failed")
	} else if reclaimed > 0 {
		log.WithField("reclaimed_tasks", reclaimed).Info("startup recovery reclaimed orphaned work")
	}

	sweep := lifecycle.NewGroup()
	sweep.Start(ctx, lifecycle.Task{
		Name:     "metrics-refresh",
		Interval: 15 * time.Second,
		Run:      eng.RefreshMetrics,
		OnError: func(name string, err error) {
			log.WithField("loop", name).WithField("error", err).Warn("background sweep failed")
		},
	})
	defer sweep.Stop()

	server := rpc.NewServer(eng, log)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("engine listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Fatal("engine server exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err).Warn("graceful server shutdown failed")
	}
	cancel()
}
