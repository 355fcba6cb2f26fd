// Package registry implements the in-memory worker table of spec §4.5: a
// read-mostly map protected by a read-write lock, rebuilt from the worker
// KV family on startup, used for operator listing and unhealthy detection.
// It is explicitly not on the task-claim critical path.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/workflow-engine/internal/model"
	"github.com/r3e-network/workflow-engine/internal/store"
)

// UnhealthyMultiplier is applied to the heartbeat interval to decide when a
// worker is considered unhealthy (spec §4.5, §5).
const UnhealthyMultiplier = 3

// Registry is the in-memory worker table.
type Registry struct {
	mu                sync.RWMutex
	workers           map[string]*model.Worker
	workerStore       *store.WorkerStore
	heartbeatInterval time.Duration
}

func New(workerStore *store.WorkerStore, heartbeatInterval time.Duration) *Registry {
	return &Registry{
		workers:           make(map[string]*model.Worker),
		workerStore:       workerStore,
		heartbeatInterval: heartbeatInterval,
	}
}

// Rebuild loads every persisted worker record into memory (spec §4.5:
// "rebuilt from the worker family on startup").
func (r *Registry) Rebuild(ctx context.Context) error {
	workers, err := r.workerStore.List(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = make(map[string]*model.Worker, len(workers))
	for _, w := range workers {
		r.workers[w.ID] = w
	}
	return nil
}

// Upsert registers or updates a worker in memory and persists it.
func (r *Registry) Upsert(ctx context.Context, w *model.Worker) error {
	if err := r.workerStore.Put(ctx, w); err != nil {
		return err
	}
	r.mu.Lock()
	r.workers[w.ID] = w
	r.mu.Unlock()
	return nil
}

// Get returns the in-memory worker record, if known.
func (r *Registry) Get(id string) (*model.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// List returns a snapshot of every known worker, recomputing health status
// against now.
func (r *Registry) List(now time.Time) []*model.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		cp := *w
		cp.Status = r.statusFor(w, now)
		out = append(out, &cp)
	}
	return out
}

// Unhealthy returns the ids of every worker whose last heartbeat is older
// than UnhealthyMultiplier × heartbeat_interval (spec §4.5).
func (r *Registry) Unhealthy(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, w := range r.workers {
		if r.statusFor(w, now) == model.WorkerUnhealthy {
			out = append(out, id)
		}
	}
	return out
}

// StatusOf recomputes the health status of a known worker against now,
// reporting found=false if the worker is not in the table.
func (r *Registry) StatusOf(id string, now time.Time) (model.WorkerStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return "", false
	}
	return r.statusFor(w, now), true
}

func (r *Registry) statusFor(w *model.Worker, now time.Time) model.WorkerStatus {
	age := now.Sub(w.LastHeartbeat)
	threshold := UnhealthyMultiplier * r.heartbeatInterval
	switch {
	case age > threshold:
		return model.WorkerUnhealthy
	case age > r.heartbeatInterval:
		return model.WorkerDegraded
	default:
		return model.WorkerHealthy
	}
}
