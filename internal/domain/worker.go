package domain

// WorkerState represents the lifecycle state of an execution slot.
type WorkerState string

const (
	WorkerIdle       WorkerState = "IDLE"
	WorkerBusy       WorkerState = "BUSY"
	WorkerFailed     WorkerState = "FAILED"
	WorkerTerminated WorkerState = "TERMINATED"
)

// Usage is one resource-probe sample for a worker.
type Usage struct {
	MemoryBytes int64   `json:"memory_bytes"`
	CPUPercent  float64 `json:"cpu_percent"`
}

// PoolStats is a point-in-time snapshot of the worker pool.
type PoolStats struct {
	TotalWorkers  int   `json:"total_workers"`
	ActiveWorkers int   `json:"active_workers"`
	IdleWorkers   int   `json:"idle_workers"`
	FailedWorkers int   `json:"failed_workers"`
	// TotalResourceUsage is the sum of the last sampled memory estimate
	// across all live workers, in bytes.
	TotalResourceUsage int64 `json:"total_resource_usage"`
}

// RunStats is the aggregate statistics snapshot handed to result sinks and
// downstream reporting components at the end of (or during) a run.
type RunStats struct {
	PoolStats

	TotalTasksCompleted    int64   `json:"total_tasks_completed"`
	TotalTasksFailed       int64   `json:"total_tasks_failed"`
	AverageExecutionTimeMs float64 `json:"average_execution_time_ms"`
	UptimeMs               int64   `json:"uptime_ms"`
}
