package domain

import (
	"fmt"
	"strings"
	"time"
)

// ConfigError is returned for invalid scheduler, pool, or sandbox
// configuration. Surfaced synchronously at construction, never defaulted.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %q: %s", e.Field, e.Reason)
}

// DuplicateTaskError is returned when a task id is submitted twice.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task id: %s", e.TaskID)
}

// NoWorkerAvailableError is returned when the pool is saturated and no worker
// became idle within the bounded wait.
type NoWorkerAvailableError struct {
	Waited time.Duration
}

func (e *NoWorkerAvailableError) Error() string {
	return fmt.Sprintf("no worker available after waiting %s", e.Waited)
}

// TaskTimeoutError marks an attempt that exceeded the per-task deadline.
// Distinct from a task-logic failure; eligible for retry like any other
// failed attempt.
type TaskTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Timeout)
}

// ShutdownError marks a task that was in flight when cancellation was
// requested. Never retried.
type ShutdownError struct {
	TaskID string
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("task %s aborted by shutdown", e.TaskID)
}

// UnschedulableError reports tasks whose dependencies can never be satisfied.
// A drain-time diagnostic, not a crash: the scheduler reports the stuck set
// instead of deadlocking.
type UnschedulableError struct {
	TaskIDs []string
}

func (e *UnschedulableError) Error() string {
	return fmt.Sprintf("unschedulable tasks (unsatisfiable dependencies): %s",
		strings.Join(e.TaskIDs, ", "))
}

// InfraCode classifies infrastructure failures that are retryable at the
// sandbox level, with a backoff policy distinct from test-level retries.
type InfraCode string

const (
	InfraStartFailed       InfraCode = "START_FAILED"
	InfraTimeout           InfraCode = "TIMEOUT"
	InfraResourceExhausted InfraCode = "RESOURCE_EXHAUSTED"
	InfraNetworkSetup      InfraCode = "NETWORK_SETUP"
)

// TaskNotFoundError is returned by state and history stores when a task id
// has no record.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// InfraError wraps a provisioning or environment failure. Only these are
// retried by the isolation engine; a test-logic failure reported inside a
// successfully-run sandbox is terminal there.
type InfraError struct {
	Code InfraCode
	Err  error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("infrastructure failure (%s): %v", e.Code, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }
