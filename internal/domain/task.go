package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Status represents the states a task can be in during a run.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusRunning  Status = "RUNNING"
	StatusRetrying Status = "RETRYING"
	StatusDone     Status = "DONE"
	StatusFailed   Status = "FAILED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Task is one schedulable unit of test work. Tasks are immutable after
// submission; the scheduler never writes to them.
type Task struct {
	ID string `json:"id"`
	// Priority orders dispatch; higher runs first. Ties keep submission order.
	Priority int `json:"priority"`
	// DependsOn lists task ids that must have a terminal result (success or
	// permanent failure) before this task becomes runnable.
	DependsOn []string `json:"depends_on,omitempty"`
	// RequiresSerialization marks a task that must never overlap in time with
	// any other task's execution.
	RequiresSerialization bool `json:"requires_serialization,omitempty"`
	// MaxRetries is the per-task retry budget; the effective budget is
	// min(MaxRetries, the tracker's global maximum).
	MaxRetries int `json:"max_retries"`
	// Payload is opaque to the scheduler and interpreted only by the
	// caller-supplied executor.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ExecuteFunc performs the actual work of one task. Supplied by the caller;
// the scheduler only observes its outcome. A nil return means the task
// passed. The context carries the per-task deadline and the shutdown signal.
type ExecuteFunc func(ctx context.Context, task *Task) error

// RetryAttempt records a single failed execution attempt of a task.
type RetryAttempt struct {
	AttemptNumber   int           `json:"attempt_number"`
	Timestamp       time.Time     `json:"timestamp"`
	Error           string        `json:"error"`
	DelayBeforeNext time.Duration `json:"delay_before_next"`
}

// FlakyTestRecord is the derived fact that a task failed at least once and
// subsequently succeeded. Created once, never mutated.
type FlakyTestRecord struct {
	TaskID         string         `json:"task_id"`
	FailureCount   int            `json:"failure_count"`
	Attempts       []RetryAttempt `json:"attempts"`
	FirstFailureAt time.Time      `json:"first_failure_at"`
	FinalSuccessAt time.Time      `json:"final_success_at"`
	// TotalWallTime is the cumulative time spent across all attempts,
	// including backoff sleeps.
	TotalWallTime time.Duration `json:"total_wall_time"`
}

// ExecutionResult is the terminal outcome of one task. The scheduler produces
// exactly one per submitted task.
type ExecutionResult struct {
	TaskID          string `json:"task_id"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	// RetryAttempt is the zero-based attempt index that produced this result.
	RetryAttempt int  `json:"retry_attempt"`
	IsFlaky      bool `json:"is_flaky"`
	// Timeout marks a result whose final attempt exceeded the per-task
	// deadline rather than failing its own logic.
	Timeout bool `json:"timeout,omitempty"`
	// Shutdown marks a task that was in flight when cancellation was
	// requested. Shutdown failures are never retried.
	Shutdown  bool   `json:"shutdown,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
	SandboxID string `json:"sandbox_id,omitempty"`
}

// Status returns the terminal Status for this result.
func (r *ExecutionResult) Status() Status {
	if r.Success {
		return StatusDone
	}
	return StatusFailed
}
