// Package metrics provides Prometheus instrumentation for the coordination
// kernel: tasks assigned/completed/failed, lease reclamations, scheduler
// latency. Callers go through the Record*/Set* wrappers; the raw vecs and
// the private registry stay inside this package.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "marcus"

	subsystemScheduler  = "scheduler"
	subsystemLease      = "lease"
	subsystemKanban     = "kanban"
	subsystemDispatcher = "dispatcher"
)

var (
	// DurationBuckets covers scheduler decision latency from sub-millisecond
	// (in-memory hit) to multi-second (kanban mirror suspension).
	DurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	TasksAssignedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystemScheduler, Name: "tasks_assigned_total", Help: "Total number of tasks successfully assigned."},
		[]string{"project"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystemScheduler, Name: "tasks_completed_total", Help: "Total number of tasks marked DONE."},
		[]string{"project"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystemScheduler, Name: "tasks_failed_total", Help: "Total number of tasks reported as blocked/failed."},
		[]string{"project"},
	)
	NoTaskTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystemScheduler, Name: "no_task_total", Help: "Total number of request_next_task calls that returned no_task."},
		[]string{"project", "reason"},
	)
	SchedulerDecisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Subsystem: subsystemScheduler, Name: "decision_duration_seconds", Help: "Time to decide the outcome of a request_next_task call.", Buckets: DurationBuckets},
		[]string{"project"},
	)

	LeaseReclamationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystemLease, Name: "reclamations_total", Help: "Total number of leases reclaimed by the LeaseMonitor."},
		[]string{"reason"},
	)
	LeasesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystemLease, Name: "active", Help: "Current number of live (unexpired) leases."},
	)

	KanbanCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystemKanban, Name: "circuit_state", Help: "Per-operation circuit breaker state (0=closed, 1=half-open, 2=open)."},
		[]string{"op"},
	)
	KanbanCallErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystemKanban, Name: "call_errors_total", Help: "Total number of failed KanbanProvider calls."},
		[]string{"op", "retryable"},
	)

	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystemDispatcher, Name: "tool_calls_total", Help: "Total number of MCP tool invocations."},
		[]string{"tool", "ok"},
	)

	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(
		TasksAssignedTotal, TasksCompletedTotal, TasksFailedTotal, NoTaskTotal, SchedulerDecisionDuration,
		LeaseReclamationsTotal, LeasesActive,
		KanbanCircuitState, KanbanCallErrors,
		ToolCallsTotal,
	)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler exposes the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordAssigned records a successful task assignment.
func RecordAssigned(project string) { TasksAssignedTotal.WithLabelValues(project).Inc() }

// RecordCompleted records a task reaching DONE.
func RecordCompleted(project string) { TasksCompletedTotal.WithLabelValues(project).Inc() }

// RecordFailed records a task reported blocked.
func RecordFailed(project string) { TasksFailedTotal.WithLabelValues(project).Inc() }

// RecordNoTask records a request_next_task call that returned no_task.
func RecordNoTask(project, reason string) { NoTaskTotal.WithLabelValues(project, reason).Inc() }

// ObserveSchedulerDecision records how long a request_next_task call took.
func ObserveSchedulerDecision(project string, seconds float64) {
	SchedulerDecisionDuration.WithLabelValues(project).Observe(seconds)
}

// RecordLeaseReclamation records a lease reclaimed by LeaseMonitor.
func RecordLeaseReclamation(reason string) { LeaseReclamationsTotal.WithLabelValues(reason).Inc() }

// SetLeasesActive sets the current live-lease gauge.
func SetLeasesActive(n int) { LeasesActive.Set(float64(n)) }

// SetKanbanCircuitState records a breaker's current state (gobreaker.State).
func SetKanbanCircuitState(op string, state int) { KanbanCircuitState.WithLabelValues(op).Set(float64(state)) }

// RecordKanbanCallError records a failed KanbanProvider call.
func RecordKanbanCallError(op string, retryable bool) {
	val := "false"
	if retryable {
		val = "true"
	}
	KanbanCallErrors.WithLabelValues(op, val).Inc()
}

// RecordToolCall records an MCP tool invocation outcome.
func RecordToolCall(tool string, ok bool) {
	val := "false"
	if ok {
		val = "true"
	}
	ToolCallsTotal.WithLabelValues(tool, val).Inc()
}
