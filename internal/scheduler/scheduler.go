// Package scheduler composes the task queue, worker pool, and retry tracker
// into a single run orchestrator.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskgrid/taskgrid/internal/domain"
	"github.com/taskgrid/taskgrid/internal/flaky"
	"github.com/taskgrid/taskgrid/internal/pool"
	"github.com/taskgrid/taskgrid/internal/queue"
	"github.com/taskgrid/taskgrid/pkg/retry"
	"github.com/taskgrid/taskgrid/pkg/telemetry"
)

const defaultShutdownGrace = 5 * time.Second

// Config is the immutable run configuration, constructed once at startup.
type Config struct {
	Pool pool.Config `json:"pool"`
	// GlobalMaxRetries caps every task's own retry budget.
	GlobalMaxRetries int `json:"global_max_retries"`
	// RetryBackoff shapes the delay between task-logic retries. Zero value
	// uses the tracker defaults.
	RetryBackoff retry.Config `json:"-"`
	// ShutdownGrace bounds how long in-flight tasks may keep running after
	// the run context is cancelled.
	ShutdownGrace time.Duration `json:"shutdown_grace"`
}

// WithOverride returns a copy of c with fn applied. The receiver is never
// mutated, so concurrent readers of a shared Config stay safe without locks.
func (c Config) WithOverride(fn func(*Config)) Config {
	fn(&c)
	return c
}

// Validate fails fast on configuration errors before any worker is started.
func (c Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if c.GlobalMaxRetries < 0 {
		return &domain.ConfigError{Field: "global_max_retries", Reason: "must be >= 0"}
	}
	if c.ShutdownGrace < 0 {
		return &domain.ConfigError{Field: "shutdown_grace", Reason: "must be >= 0"}
	}
	return nil
}

// Sink receives task lifecycle notifications during a run. Implementations
// must be safe for concurrent use; errors are logged, never fatal.
type Sink interface {
	TaskStatus(ctx context.Context, taskID string, status domain.Status) error
	TaskResult(ctx context.Context, res *domain.ExecutionResult) error
}

// RunReport is the outcome of one Run: exactly one result per task that
// reached a terminal state, plus the ids of tasks whose dependency sets could
// never be satisfied.
type RunReport struct {
	Results       []*domain.ExecutionResult `json:"results"`
	Unschedulable []string                  `json:"unschedulable,omitempty"`
	Stats         domain.RunStats           `json:"stats"`
	Flaky         flaky.Report              `json:"flaky"`
}

// Scheduler drives submitted tasks to terminal results.
type Scheduler struct {
	cfg     Config
	pool    *pool.Pool
	tracker *flaky.Tracker
	logger  *slog.Logger
	sinks   []Sink

	poolOpts []pool.Option

	startedAt time.Time
	completed atomic.Int64
	failed    atomic.Int64
	execMs    atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithSinks registers lifecycle sinks notified on status changes and results.
func WithSinks(sinks ...Sink) Option {
	return func(s *Scheduler) { s.sinks = append(s.sinks, sinks...) }
}

// WithProbe installs a worker resource probe on the underlying pool.
func WithProbe(pr pool.ResourceProbe) Option {
	return func(s *Scheduler) { s.poolOpts = append(s.poolOpts, pool.WithProbe(pr)) }
}

// New validates cfg and builds a scheduler with its pool pre-populated.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}

	s := &Scheduler{
		cfg:       cfg,
		logger:    slog.Default(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	p, err := pool.New(cfg.Pool, append(s.poolOpts, pool.WithLogger(s.logger))...)
	if err != nil {
		return nil, err
	}
	s.pool = p

	trackerOpts := []flaky.Option{
		flaky.WithLogger(s.logger),
		flaky.WithOnRetry(func(taskID string, attempt int) {
			s.notifyStatus(context.Background(), taskID, domain.StatusRetrying)
		}),
	}
	if cfg.RetryBackoff.BaseDelay > 0 {
		trackerOpts = append(trackerOpts, flaky.WithBackoff(cfg.RetryBackoff))
	}
	s.tracker = flaky.NewTracker(cfg.GlobalMaxRetries, trackerOpts...)
	return s, nil
}

// Run executes tasks to completion and returns one result per task, save for
// tasks reported unschedulable. Serialized tasks are drained first, one at a
// time, in priority order; the parallel class then runs up to the pool limit
// with dependency gating. Cancel ctx to shut down: admission stops, in-flight
// tasks get ShutdownGrace to finish, and everything still queued is returned
// as a shutdown-tagged failure rather than dropped.
func (s *Scheduler) Run(ctx context.Context, tasks []*domain.Task, execute domain.ExecuteFunc) (*RunReport, error) {
	if execute == nil {
		return nil, &domain.ConfigError{Field: "execute", Reason: "executor must not be nil"}
	}

	q := queue.New()
	for _, t := range tasks {
		if err := q.Submit(t); err != nil {
			return nil, err
		}
		s.notifyStatus(ctx, t.ID, domain.StatusPending)
	}

	// Execution outlives the run context by the grace window so in-flight
	// attempts can finish after a cancel; retries and admission stop at the
	// cancel itself.
	execCtx, execCancel := context.WithCancel(context.Background())
	defer execCancel()
	stopGrace := context.AfterFunc(ctx, func() {
		t := time.NewTimer(s.cfg.ShutdownGrace)
		defer t.Stop()
		select {
		case <-t.C:
			execCancel()
		case <-execCtx.Done():
		}
	})
	defer stopGrace()

	var (
		mu      sync.Mutex
		done    = make(map[string]struct{}, len(tasks))
		results = make([]*domain.ExecutionResult, 0, len(tasks))
	)
	snapshotDone := func() map[string]struct{} {
		mu.Lock()
		defer mu.Unlock()
		snap := make(map[string]struct{}, len(done))
		for id := range done {
			snap[id] = struct{}{}
		}
		return snap
	}

	// Single collector goroutine owns the results slice and the done set.
	// inFlight counts results issued but not yet collected; it only reaches
	// zero once every issued result is visible in done.
	var inFlight atomic.Int64
	resCh := make(chan *domain.ExecutionResult)
	wake := make(chan struct{}, 1)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for res := range resCh {
			mu.Lock()
			done[res.TaskID] = struct{}{}
			results = append(results, res)
			mu.Unlock()

			if res.Success {
				s.completed.Add(1)
			} else {
				s.failed.Add(1)
			}
			s.execMs.Add(res.ExecutionTimeMs)
			telemetry.SchedulerTasksCompleted.WithLabelValues(string(res.Status())).Inc()
			s.notifyResult(execCtx, res)

			inFlight.Add(-1)
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()

	// Serialized class first: strict priority order, nothing else running.
	for ctx.Err() == nil {
		task := q.NextSerial()
		if task == nil {
			break
		}
		inFlight.Add(1)
		s.runOne(execCtx, ctx, task, execute, resCh)
	}

	// Parallel class: dispatch every runnable task, re-checking after each
	// completion signal instead of polling.
	var wg sync.WaitGroup
	var unschedulable []string
	for ctx.Err() == nil {
		task := q.NextRunnable(snapshotDone())
		if task == nil {
			if q.PendingParallel() == 0 && inFlight.Load() == 0 {
				break
			}
			if inFlight.Load() == 0 {
				// Nothing running and nothing runnable: the rest of the
				// queue is waiting on ids that can never terminate.
				for _, st := range q.Stuck(snapshotDone()) {
					unschedulable = append(unschedulable, st.ID)
					telemetry.SchedulerUnschedulable.Inc()
					s.logger.Error("task can never become runnable",
						slog.String("task_id", st.ID),
						slog.Any("depends_on", st.DependsOn),
					)
				}
				continue
			}
			select {
			case <-wake:
			case <-ctx.Done():
			}
			continue
		}

		inFlight.Add(1)
		wg.Add(1)
		go func(t *domain.Task) {
			defer wg.Done()
			s.runOne(execCtx, ctx, t, execute, resCh)
		}(task)
	}

	// Shutdown path: everything still queued gets a terminal result.
	if ctx.Err() != nil {
		for {
			t := q.NextSerial()
			if t == nil {
				break
			}
			inFlight.Add(1)
			resCh <- s.shutdownResult(t.ID)
		}
		for _, t := range q.Drain() {
			inFlight.Add(1)
			resCh <- s.shutdownResult(t.ID)
		}
	}

	wg.Wait()
	close(resCh)
	<-collectorDone

	return &RunReport{
		Results:       results,
		Unschedulable: unschedulable,
		Stats:         s.Stats(),
		Flaky:         s.tracker.Report(),
	}, nil
}

// runOne drives a single task through acquire, retried execution, and
// release, and emits exactly one result on resCh.
func (s *Scheduler) runOne(execCtx, runCtx context.Context, task *domain.Task, execute domain.ExecuteFunc, resCh chan<- *domain.ExecutionResult) {
	spanCtx, span := otel.Tracer("scheduler").Start(runCtx, "scheduler.run_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.Int("task.priority", task.Priority),
		attribute.Bool("task.serialized", task.RequiresSerialization),
	)

	telemetry.SchedulerTasksInFlight.Inc()
	defer telemetry.SchedulerTasksInFlight.Dec()
	start := time.Now()
	defer func() {
		telemetry.SchedulerTaskDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	s.notifyStatus(execCtx, task.ID, domain.StatusRunning)

	w, err := s.pool.Acquire(spanCtx, task)
	if err != nil {
		res := s.acquireFailure(task, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "worker acquisition failed")
		resCh <- res
		return
	}

	// The run context governs the retry loop so cancellation stops further
	// attempts; the execution context governs the in-flight attempt so it
	// still gets the grace window. Executor child spans stay parented to the
	// task span either way.
	attemptCtx := trace.ContextWithSpan(execCtx, span)
	res := s.tracker.RunWithRetry(runCtx, task, func(_ context.Context, t *domain.Task) error {
		return s.pool.Execute(attemptCtx, w, t, execute)
	})
	res.WorkerID = w.ID()
	s.pool.Release(w, res.Success)

	if !res.Success {
		span.RecordError(errors.New(res.Error))
		span.SetStatus(codes.Error, "task failed")
	}
	resCh <- res
}

// acquireFailure classifies a failed worker acquisition into a terminal
// result: shutdown when the pool is closing or the run was cancelled, an
// ordinary failure when the bounded wait expired.
func (s *Scheduler) acquireFailure(task *domain.Task, err error) *domain.ExecutionResult {
	var shutdown *domain.ShutdownError
	if errors.As(err, &shutdown) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return s.shutdownResult(task.ID)
	}
	return &domain.ExecutionResult{
		TaskID:  task.ID,
		Success: false,
		Error:   err.Error(),
	}
}

func (s *Scheduler) shutdownResult(taskID string) *domain.ExecutionResult {
	return &domain.ExecutionResult{
		TaskID:   taskID,
		Success:  false,
		Error:    (&domain.ShutdownError{TaskID: taskID}).Error(),
		Shutdown: true,
	}
}

// Stats returns the aggregate run snapshot. Counters are accumulated by the
// collector and read atomically, so concurrent completions never race a
// read-modify-write.
func (s *Scheduler) Stats() domain.RunStats {
	completed := s.completed.Load()
	failed := s.failed.Load()
	stats := domain.RunStats{
		PoolStats:           s.pool.Stats(),
		TotalTasksCompleted: completed,
		TotalTasksFailed:    failed,
		UptimeMs:            time.Since(s.startedAt).Milliseconds(),
	}
	if n := completed + failed; n > 0 {
		stats.AverageExecutionTimeMs = float64(s.execMs.Load()) / float64(n)
	}
	return stats
}

// FlakyReport returns the tracker's aggregate flaky view.
func (s *Scheduler) FlakyReport() flaky.Report { return s.tracker.Report() }

// Tracker exposes the retry tracker for per-task queries.
func (s *Scheduler) Tracker() *flaky.Tracker { return s.tracker }

// MonitorResources runs the pool's resource sampling loop until ctx is
// cancelled.
func (s *Scheduler) MonitorResources(ctx context.Context, interval time.Duration) {
	s.pool.MonitorResources(ctx, interval)
}

// Close shuts the pool down, waking any blocked acquirers.
func (s *Scheduler) Close() { s.pool.Close() }

func (s *Scheduler) notifyStatus(ctx context.Context, taskID string, status domain.Status) {
	for _, sink := range s.sinks {
		if err := sink.TaskStatus(ctx, taskID, status); err != nil {
			s.logger.Warn("status sink failed",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Scheduler) notifyResult(ctx context.Context, res *domain.ExecutionResult) {
	for _, sink := range s.sinks {
		if err := sink.TaskResult(ctx, res); err != nil {
			s.logger.Warn("result sink failed",
				slog.String("task_id", res.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}
}
