// Package metrics exposes the engine's Prometheus collectors (spec §4.8):
// queue depth, task outcomes, worker health, and runtime pool saturation.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the engine's Prometheus collectors, kept separate from the
// global default registry; it is a single package-level registry that every
// collector below is registered with in init.
var Registry = prometheus.NewRegistry()

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "workflow_engine",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight RPC requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow_engine",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of RPC requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workflow_engine",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of RPC requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "workflow_engine",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of task records in each status.",
	}, []string{"status"})

	tasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow_engine",
		Subsystem: "tasks",
		Name:      "completed_total",
		Help:      "Total tasks that reached a terminal outcome.",
	}, []string{"runtime", "outcome"})

	tasksDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow_engine",
		Subsystem: "tasks",
		Name:      "dead_lettered_total",
		Help:      "Total tasks that exhausted their retry budget.",
	}, []string{"runtime"})

	taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workflow_engine",
		Subsystem: "tasks",
		Name:      "execution_duration_seconds",
		Help:      "Task execution time as reported by the worker.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"runtime"})

	activeWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "workflow_engine",
		Subsystem: "workers",
		Name:      "active",
		Help:      "Current number of registered workers by health status.",
	}, []string{"status"})

	runtimePoolInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "workflow_engine",
		Subsystem: "runtime",
		Name:      "pool_in_use",
		Help:      "Sandboxed runtime executions currently holding a pool slot.",
	}, []string{"runtime"})

	runtimePoolCapacity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "workflow_engine",
		Subsystem: "runtime",
		Name:      "pool_capacity",
		Help:      "Configured sandboxed runtime pool size.",
	}, []string{"runtime"})

	workflowInstances = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "workflow_engine",
		Subsystem: "workflows",
		Name:      "instances",
		Help:      "Current workflow instance count by status.",
	}, []string{"status"})

	mstReconcileApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow_engine",
		Subsystem: "mst",
		Name:      "reconcile_applied_total",
		Help:      "Total keys applied to a local tree during reconciliation.",
	}, []string{"tree"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		queueDepth,
		tasksCompleted,
		tasksDeadLettered,
		taskDuration,
		activeWorkers,
		runtimePoolInUse,
		runtimePoolCapacity,
		workflowInstances,
		mstReconcileApplied,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors over HTTP for a Prometheus
// scrape target.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// InstrumentHandler wraps next with request-count, duration, and in-flight
// gauges, skipping the metrics endpoint itself.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		httpRequests.WithLabelValues(strings.ToUpper(r.Method), r.URL.Path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(strings.ToUpper(r.Method), r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// SetQueueDepth publishes the current count of tasks in each queue status.
func SetQueueDepth(status string, count int) {
	queueDepth.WithLabelValues(status).Set(float64(count))
}

// RecordTaskCompletion records a terminal task outcome and its duration.
func RecordTaskCompletion(runtime, outcome string, duration time.Duration) {
	tasksCompleted.WithLabelValues(runtime, outcome).Inc()
	taskDuration.WithLabelValues(runtime).Observe(duration.Seconds())
}

// RecordDeadLetter records a task exhausting its retry budget.
func RecordDeadLetter(runtime string) {
	tasksDeadLettered.WithLabelValues(runtime).Inc()
}

// SetActiveWorkers publishes the worker count for a health status
// (healthy|degraded|unhealthy).
func SetActiveWorkers(status string, count int) {
	activeWorkers.WithLabelValues(status).Set(float64(count))
}

// SetRuntimePoolUsage publishes how many of a runtime's pool slots are
// currently held and the pool's configured capacity.
func SetRuntimePoolUsage(runtime string, inUse, capacity int) {
	runtimePoolInUse.WithLabelValues(runtime).Set(float64(inUse))
	runtimePoolCapacity.WithLabelValues(runtime).Set(float64(capacity))
}

// SetWorkflowInstances publishes the workflow instance count for a status.
func SetWorkflowInstances(status string, count int) {
	workflowInstances.WithLabelValues(status).Set(float64(count))
}

// RecordMSTReconcile records how many keys a reconciliation pass applied to
// a named tree.
func RecordMSTReconcile(tree string, applied int) {
	mstReconcileApplied.WithLabelValues(tree).Add(float64(applied))
}
