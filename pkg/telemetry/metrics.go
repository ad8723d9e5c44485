package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerTasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "scheduler",
		Name:      "tasks_completed_total",
		Help:      "Total tasks driven to a terminal result, labelled by status.",
	}, []string{"status"})

	SchedulerTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskgrid",
		Subsystem: "scheduler",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	})

	SchedulerTaskDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskgrid",
		Subsystem: "scheduler",
		Name:      "task_duration_seconds",
		Help:      "End-to-end task execution time in seconds, across all attempts.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	SchedulerUnschedulable = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "scheduler",
		Name:      "unschedulable_total",
		Help:      "Tasks reported stuck because their dependencies can never resolve.",
	})

	// ─── Worker pool ─────────────────────────────────────────────────────────────

	PoolWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskgrid",
		Subsystem: "pool",
		Name:      "workers",
		Help:      "Current number of live workers.",
	})

	PoolWorkersTerminated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "pool",
		Name:      "workers_terminated_total",
		Help:      "Idle workers terminated by the starvation-prevention pass.",
	})

	PoolWorkersRestarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "pool",
		Name:      "workers_restarted_total",
		Help:      "Workers restarted for exceeding the per-worker memory ceiling.",
	})

	PoolAcquireTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "pool",
		Name:      "acquire_timeouts_total",
		Help:      "Allocation attempts that gave up after the bounded wait.",
	})

	// ─── Retry tracker ───────────────────────────────────────────────────────────

	TrackerRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "tracker",
		Name:      "retries_total",
		Help:      "Total task-level retry attempts.",
	})

	TrackerFlakyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "tracker",
		Name:      "flaky_total",
		Help:      "Tasks that failed at least once and then succeeded.",
	})

	TrackerPermanentFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "tracker",
		Name:      "permanent_failures_total",
		Help:      "Tasks that exhausted their retry budget.",
	})

	// ─── Sandbox ─────────────────────────────────────────────────────────────────

	SandboxRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "sandbox",
		Name:      "runs_total",
		Help:      "Sandbox executions, labelled by outcome (exited, failed).",
	}, []string{"outcome"})

	SandboxInfraRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgrid",
		Subsystem: "sandbox",
		Name:      "infra_retries_total",
		Help:      "Sandbox provisioning retries for retryable infrastructure errors.",
	})
)
