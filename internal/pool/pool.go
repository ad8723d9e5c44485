// Package pool owns a dynamically sized set of execution slots and assigns
// runnable tasks to them under a per-task deadline.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskgrid/taskgrid/internal/domain"
	"github.com/taskgrid/taskgrid/pkg/telemetry"
)

const minTaskTimeout = 10 * time.Millisecond

// Config sizes the pool and bounds each task's execution.
type Config struct {
	MinWorkers int
	MaxWorkers int
	// MemoryLimitPerWorker is the per-worker memory ceiling in bytes; an idle
	// worker sampled above it is restarted. Zero disables the check.
	MemoryLimitPerWorker int64
	// TaskTimeout is the deadline for a single execution attempt.
	TaskTimeout time.Duration
	// AcquireTimeout bounds how long Acquire blocks on a saturated pool.
	AcquireTimeout time.Duration
	// Strategy picks among idle workers. Defaults to StrategyLeastLoaded.
	Strategy Strategy
	// IdleSlack is how many workers may sit idle before the starvation pass
	// starts terminating excess capacity down to MinWorkers.
	IdleSlack int
}

// Validate fails fast on impossible sizing or timeouts.
func (c Config) Validate() error {
	if c.MinWorkers < 1 {
		return &domain.ConfigError{Field: "min_workers", Reason: "must be at least 1"}
	}
	if c.MaxWorkers < c.MinWorkers {
		return &domain.ConfigError{Field: "max_workers", Reason: "must be >= min_workers"}
	}
	if c.TaskTimeout < minTaskTimeout {
		return &domain.ConfigError{
			Field:  "task_timeout",
			Reason: fmt.Sprintf("must be at least %s", minTaskTimeout),
		}
	}
	if c.Strategy != "" && !c.Strategy.Valid() {
		return &domain.ConfigError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", c.Strategy)}
	}
	return nil
}

// Worker is a named execution slot. All fields are guarded by the pool lock;
// tasks never touch another task's worker.
type Worker struct {
	id             string
	state          domain.WorkerState
	currentTaskID  string
	completedCount int64
	failedCount    int64
	resourceUsage  int64
}

// ID returns the worker's stable identifier.
func (w *Worker) ID() string { return w.id }

// Pool allocates workers to tasks.
type Pool struct {
	cfg      Config
	strategy Strategy
	logger   *slog.Logger
	probe    ResourceProbe

	mu      sync.Mutex
	cond    *sync.Cond
	workers []*Worker
	closed  bool
}

// Option configures a Pool.
type Option func(*Pool)

func WithLogger(l *slog.Logger) Option  { return func(p *Pool) { p.logger = l } }
func WithProbe(pr ResourceProbe) Option { return func(p *Pool) { p.probe = pr } }

// New validates cfg and creates a pool pre-populated with MinWorkers slots.
func New(cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.IdleSlack <= 0 {
		cfg.IdleSlack = 2
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyLeastLoaded
	}

	p := &Pool{
		cfg:      cfg,
		strategy: strategy,
		logger:   slog.Default(),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	if p.probe == nil {
		p.probe = &estimateProbe{perTaskBytes: 4 << 20, counts: p.completedFor}
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		p.workers = append(p.workers, newWorker())
	}
	telemetry.PoolWorkers.Set(float64(cfg.MinWorkers))
	return p, nil
}

func newWorker() *Worker {
	return &Worker{
		id:    "worker-" + uuid.New().String()[:8],
		state: domain.WorkerIdle,
	}
}

func (p *Pool) completedFor(workerID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.id == workerID {
			return w.completedCount
		}
	}
	return 0
}

// Acquire returns an idle worker for the task, growing the pool up to
// MaxWorkers. On a saturated pool it blocks on the release signal (no
// polling) until a worker frees up, ctx is cancelled, or AcquireTimeout
// elapses, in which case it returns NoWorkerAvailableError.
func (p *Pool) Acquire(ctx context.Context, task *domain.Task) (*Worker, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)

	// Both the timer and ctx cancellation wake the condition wait so a
	// blocked caller never sleeps past its bound.
	timer := time.AfterFunc(p.cfg.AcquireTimeout, p.cond.Broadcast)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, p.cond.Broadcast)
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.closed {
			return nil, &domain.ShutdownError{TaskID: task.ID}
		}
		if w := pickIdle(p.workers, p.strategy); w != nil {
			p.assignLocked(w, task)
			return w, nil
		}
		if len(p.workers) < p.cfg.MaxWorkers {
			w := newWorker()
			p.workers = append(p.workers, w)
			telemetry.PoolWorkers.Set(float64(len(p.workers)))
			p.logger.Debug("worker created",
				slog.String("worker_id", w.id),
				slog.Int("pool_size", len(p.workers)),
			)
			p.assignLocked(w, task)
			return w, nil
		}
		if time.Now().After(deadline) {
			telemetry.PoolAcquireTimeouts.Inc()
			return nil, &domain.NoWorkerAvailableError{Waited: p.cfg.AcquireTimeout}
		}
		p.cond.Wait()
	}
}

func (p *Pool) assignLocked(w *Worker, task *domain.Task) {
	w.state = domain.WorkerBusy
	w.currentTaskID = task.ID
}

// Execute runs fn on the assigned worker under the per-task deadline. A
// deadline overrun returns TaskTimeoutError, distinct from a task-logic
// failure; a panic inside fn is recovered and reported as a failed attempt.
func (p *Pool) Execute(ctx context.Context, w *Worker, task *domain.Task, fn domain.ExecuteFunc) error {
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("executor panic: %v", r)
			}
		}()
		errCh <- fn(execCtx, task)
	}()

	select {
	case err := <-errCh:
		return err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			// Parent cancelled: shutdown, not a timeout.
			return &domain.ShutdownError{TaskID: task.ID}
		}
		return &domain.TaskTimeoutError{TaskID: task.ID, Timeout: p.cfg.TaskTimeout}
	}
}

// Release returns the worker to Idle, updates its counters, wakes blocked
// acquirers, and runs the starvation-prevention pass.
func (p *Pool) Release(w *Worker, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w.currentTaskID = ""
	w.state = domain.WorkerIdle
	if success {
		w.completedCount++
	} else {
		w.failedCount++
	}

	p.shrinkIdleLocked()
	p.cond.Broadcast()
}

// shrinkIdleLocked terminates excess idle workers: when more than IdleSlack
// workers sit idle and the pool exceeds MinWorkers, capacity is trimmed back
// down to MinWorkers.
func (p *Pool) shrinkIdleLocked() {
	idle := 0
	for _, w := range p.workers {
		if w.state == domain.WorkerIdle {
			idle++
		}
	}
	if idle <= p.cfg.IdleSlack || len(p.workers) <= p.cfg.MinWorkers {
		return
	}

	kept := make([]*Worker, 0, len(p.workers))
	size := len(p.workers)
	for _, w := range p.workers {
		if w.state == domain.WorkerIdle && idle > p.cfg.IdleSlack && size > p.cfg.MinWorkers {
			w.state = domain.WorkerTerminated
			idle--
			size--
			telemetry.PoolWorkersTerminated.Inc()
			p.logger.Debug("idle worker terminated",
				slog.String("worker_id", w.id),
				slog.Int("pool_size", size),
			)
			continue
		}
		kept = append(kept, w)
	}
	p.workers = kept
	telemetry.PoolWorkers.Set(float64(len(p.workers)))
}

// MonitorResources samples every worker at the given interval and restarts
// idle workers whose memory estimate exceeds the configured ceiling, bounding
// resource drift over a long run. Blocks until ctx is cancelled.
func (p *Pool) MonitorResources(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sampleWorkers()
		}
	}
}

func (p *Pool) sampleWorkers() {
	p.mu.Lock()
	ids := make([]string, len(p.workers))
	for i, w := range p.workers {
		ids[i] = w.id
	}
	p.mu.Unlock()

	// Probe outside the lock; a slow OS-level probe must not stall releases.
	usages := make(map[string]domain.Usage, len(ids))
	for _, id := range ids {
		u, err := p.probe.Sample(id)
		if err != nil {
			p.logger.Warn("resource probe failed",
				slog.String("worker_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		usages[id] = u
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		u, ok := usages[w.id]
		if !ok {
			continue
		}
		w.resourceUsage = u.MemoryBytes
		if p.cfg.MemoryLimitPerWorker > 0 && w.state == domain.WorkerIdle &&
			u.MemoryBytes > p.cfg.MemoryLimitPerWorker {
			p.restartLocked(w)
		}
	}
}

// restartLocked replaces a worker over the memory ceiling with a fresh slot
// under the same id, counters reset.
func (p *Pool) restartLocked(w *Worker) {
	p.logger.Info("restarting worker over memory limit",
		slog.String("worker_id", w.id),
		slog.Int64("memory_bytes", w.resourceUsage),
		slog.Int64("limit_bytes", p.cfg.MemoryLimitPerWorker),
	)
	w.state = domain.WorkerIdle
	w.currentTaskID = ""
	w.completedCount = 0
	w.failedCount = 0
	w.resourceUsage = 0
	telemetry.PoolWorkersRestarted.Inc()
}

// Stats returns a point-in-time snapshot of the pool.
func (p *Pool) Stats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s domain.PoolStats
	s.TotalWorkers = len(p.workers)
	for _, w := range p.workers {
		switch w.state {
		case domain.WorkerBusy:
			s.ActiveWorkers++
		case domain.WorkerIdle:
			s.IdleWorkers++
		case domain.WorkerFailed:
			s.FailedWorkers++
		}
		s.TotalResourceUsage += w.resourceUsage
	}
	return s
}

// Size returns the current number of workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Close marks the pool closed and wakes all blocked acquirers, which return
// ShutdownError. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}
