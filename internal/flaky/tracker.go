// Package flaky wraps task execution with bounded retries and classifies
// outcomes as clean success, flaky success, or permanent failure.
package flaky

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskgrid/taskgrid/internal/domain"
	"github.com/taskgrid/taskgrid/pkg/retry"
	"github.com/taskgrid/taskgrid/pkg/telemetry"
)

// Tracker retries failing tasks with exponential backoff and maintains the
// flaky-test and permanent-failure registries.
type Tracker struct {
	globalMaxRetries int
	backoff          retry.Config
	logger           *slog.Logger
	onRetry          func(taskID string, attempt int)

	reg *registry
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.logger = l } }

// WithBackoff overrides the default backoff schedule (1s base, doubling,
// 30s ceiling, no jitter).
func WithBackoff(cfg retry.Config) Option { return func(t *Tracker) { t.backoff = cfg } }

// WithOnRetry installs a hook called after each failed attempt that will be
// retried, before the backoff sleep.
func WithOnRetry(fn func(taskID string, attempt int)) Option {
	return func(t *Tracker) { t.onRetry = fn }
}

// NewTracker creates a Tracker. globalMaxRetries caps every task's own
// retry budget.
func NewTracker(globalMaxRetries int, opts ...Option) *Tracker {
	t := &Tracker{
		globalMaxRetries: globalMaxRetries,
		backoff: retry.Config{
			BaseDelay:  time.Second,
			Multiplier: 2,
			MaxDelay:   30 * time.Second,
		},
		logger: slog.Default(),
		reg:    newRegistry(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RunWithRetry drives one task to a terminal result: up to
// min(task.MaxRetries, globalMaxRetries) retries after the first attempt,
// exponential backoff between attempts, flaky classification on a success
// that follows any failure. Shutdown-induced failures are returned
// immediately and never retried. The returned result is the task's single
// terminal outcome; Worker/Sandbox ids are filled in by the caller.
func (t *Tracker) RunWithRetry(ctx context.Context, task *domain.Task, execute domain.ExecuteFunc) *domain.ExecutionResult {
	budget := task.MaxRetries
	if t.globalMaxRetries < budget {
		budget = t.globalMaxRetries
	}

	log := t.logger.With(slog.String("task_id", task.ID))
	start := time.Now()
	var firstFailure time.Time

	for attempt := 0; ; attempt++ {
		err := t.attempt(ctx, task, execute)

		if err == nil {
			res := &domain.ExecutionResult{
				TaskID:          task.ID,
				Success:         true,
				ExecutionTimeMs: time.Since(start).Milliseconds(),
				RetryAttempt:    attempt,
			}
			if attempt > 0 {
				res.IsFlaky = true
				t.reg.recordFlaky(task.ID, firstFailure, time.Since(start))
				telemetry.TrackerFlakyTotal.Inc()
				log.Info("task passed after retries",
					slog.Int("failures", attempt),
					slog.Int64("wall_time_ms", res.ExecutionTimeMs),
				)
			}
			t.reg.recordRun()
			return res
		}

		if firstFailure.IsZero() {
			firstFailure = time.Now().UTC()
		}

		var shutdown *domain.ShutdownError
		if errors.As(err, &shutdown) || ctx.Err() != nil {
			t.reg.recordRun()
			return &domain.ExecutionResult{
				TaskID:          task.ID,
				Success:         false,
				Error:           err.Error(),
				ExecutionTimeMs: time.Since(start).Milliseconds(),
				RetryAttempt:    attempt,
				Shutdown:        true,
			}
		}

		var timeout *domain.TaskTimeoutError
		isTimeout := errors.As(err, &timeout)

		if attempt == budget {
			t.reg.appendAttempt(task.ID, domain.RetryAttempt{
				AttemptNumber: attempt,
				Timestamp:     time.Now().UTC(),
				Error:         err.Error(),
			})
			t.reg.recordPermanent(task.ID)
			t.reg.recordRun()
			telemetry.TrackerPermanentFailures.Inc()
			log.Error("task failed permanently",
				slog.Int("attempts", attempt+1),
				slog.String("error", err.Error()),
			)
			return &domain.ExecutionResult{
				TaskID:          task.ID,
				Success:         false,
				Error:           err.Error(),
				ExecutionTimeMs: time.Since(start).Milliseconds(),
				RetryAttempt:    attempt,
				Timeout:         isTimeout,
			}
		}

		delay := retry.Backoff(attempt+1, t.backoff)
		t.reg.appendAttempt(task.ID, domain.RetryAttempt{
			AttemptNumber:   attempt,
			Timestamp:       time.Now().UTC(),
			Error:           err.Error(),
			DelayBeforeNext: delay,
		})
		telemetry.TrackerRetriesTotal.Inc()
		if t.onRetry != nil {
			t.onRetry(task.ID, attempt)
		}
		log.Warn("attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			t.reg.recordRun()
			return &domain.ExecutionResult{
				TaskID:          task.ID,
				Success:         false,
				Error:           (&domain.ShutdownError{TaskID: task.ID}).Error(),
				ExecutionTimeMs: time.Since(start).Milliseconds(),
				RetryAttempt:    attempt,
				Shutdown:        true,
			}
		}
	}
}

// attempt invokes the executor once, converting a panic in the execution
// harness into an ordinary failed attempt.
func (t *Tracker) attempt(ctx context.Context, task *domain.Task, execute domain.ExecuteFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return execute(ctx, task)
}

// IsFlaky reports whether the task failed at least once and then succeeded.
func (t *Tracker) IsFlaky(taskID string) bool { return t.reg.isFlaky(taskID) }

// IsPermanentFailure reports whether the task exhausted its retry budget.
func (t *Tracker) IsPermanentFailure(taskID string) bool { return t.reg.isPermanent(taskID) }

// Attempts returns the recorded retry history for a task.
func (t *Tracker) Attempts(taskID string) []domain.RetryAttempt { return t.reg.attemptsFor(taskID) }

// FlakyRecord returns the flaky record for a task, or nil.
func (t *Tracker) FlakyRecord(taskID string) *domain.FlakyTestRecord { return t.reg.flakyFor(taskID) }

// PermanentFailures returns the ids of all permanently failed tasks.
func (t *Tracker) PermanentFailures() []string { return t.reg.permanentIDs() }

// Report aggregates the flaky registry into a read-only, serializable view.
// Calling it twice without new task activity returns equal values.
func (t *Tracker) Report() Report { return t.reg.report() }

// Reset clears all registries and attempt history.
func (t *Tracker) Reset() { t.reg.reset() }
