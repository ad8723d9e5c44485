package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/internal/domain"
	"github.com/taskgrid/taskgrid/internal/pool"
	"github.com/taskgrid/taskgrid/pkg/retry"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func testConfig() Config {
	return Config{
		Pool: pool.Config{
			MinWorkers:     1,
			MaxWorkers:     4,
			TaskTimeout:    2 * time.Second,
			AcquireTimeout: 2 * time.Second,
		},
		GlobalMaxRetries: 5,
		RetryBackoff:     retry.Config{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond},
		ShutdownGrace:    100 * time.Millisecond,
	}
}

func newTestScheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func task(id string) *domain.Task { return &domain.Task{ID: id, MaxRetries: 0} }

// recordingSink captures every notification it receives.
type recordingSink struct {
	mu       sync.Mutex
	statuses []string
	results  []string
}

func (r *recordingSink) TaskStatus(_ context.Context, taskID string, status domain.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, taskID+":"+string(status))
	return nil
}

func (r *recordingSink) TaskResult(_ context.Context, res *domain.ExecutionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res.TaskID)
	return nil
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestRunCompletesAllTasksWithinPoolLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MaxWorkers = 2
	s := newTestScheduler(t, cfg)

	var running, peak atomic.Int64
	execute := func(ctx context.Context, task *domain.Task) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	report, err := s.Run(context.Background(), []*domain.Task{task("a"), task("b"), task("c")}, execute)
	require.NoError(t, err)

	require.Len(t, report.Results, 3)
	for _, res := range report.Results {
		assert.True(t, res.Success)
		assert.NotEmpty(t, res.WorkerID)
	}
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(3), report.Stats.TotalTasksCompleted)
	assert.Equal(t, int64(0), report.Stats.TotalTasksFailed)
}

func TestDependentTaskWaitsForDependency(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	var mu sync.Mutex
	var events []string
	execute := func(ctx context.Context, task *domain.Task) error {
		mu.Lock()
		events = append(events, "start:"+task.ID)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		events = append(events, "end:"+task.ID)
		mu.Unlock()
		return nil
	}

	// Dependent submitted first; it must not start until "a" has finished.
	tasks := []*domain.Task{
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "a"},
	}
	report, err := s.Run(context.Background(), tasks, execute)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	assert.Equal(t, []string{"start:a", "end:a", "start:b", "end:b"}, events)
}

func TestDependencySatisfiedByPermanentFailure(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	execute := func(ctx context.Context, task *domain.Task) error {
		if task.ID == "a" {
			return errors.New("assertion failed")
		}
		return nil
	}

	tasks := []*domain.Task{
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "a", MaxRetries: 1},
	}
	report, err := s.Run(context.Background(), tasks, execute)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	byID := resultsByID(report)
	assert.False(t, byID["a"].Success)
	assert.True(t, byID["b"].Success, "a failed dependency still unblocks its dependents")
}

func TestSerializedTasksRunFirstWithoutOverlap(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MaxWorkers = 4
	s := newTestScheduler(t, cfg)

	var running atomic.Int64
	var overlapped atomic.Bool
	var mu sync.Mutex
	var order []string
	execute := func(ctx context.Context, task *domain.Task) error {
		if running.Add(1) > 1 && task.RequiresSerialization {
			overlapped.Store(true)
		}
		defer running.Add(-1)
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return nil
	}

	tasks := []*domain.Task{
		{ID: "p1"},
		{ID: "s1", RequiresSerialization: true, Priority: 1},
		{ID: "p2"},
		{ID: "s2", RequiresSerialization: true, Priority: 5},
	}
	report, err := s.Run(context.Background(), tasks, execute)
	require.NoError(t, err)
	require.Len(t, report.Results, 4)

	// Serial class drains first, higher priority first.
	require.Equal(t, "s2", order[0])
	require.Equal(t, "s1", order[1])
	assert.False(t, overlapped.Load(), "serialized task overlapped another execution")
}

func TestFlakyTaskClassification(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	var calls atomic.Int64
	execute := func(ctx context.Context, task *domain.Task) error {
		if calls.Add(1) <= 2 {
			return errors.New("flaky assertion")
		}
		return nil
	}

	report, err := s.Run(context.Background(), []*domain.Task{{ID: "flaky", MaxRetries: 3}}, execute)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	assert.True(t, res.Success)
	assert.True(t, res.IsFlaky)
	assert.Equal(t, 2, res.RetryAttempt)

	rec := s.Tracker().FlakyRecord("flaky")
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.FailureCount)
	assert.Equal(t, 1, report.Flaky.TotalFlaky)
}

func TestPermanentFailureAfterBudgetExhausted(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	execute := func(ctx context.Context, task *domain.Task) error {
		return errors.New("broken")
	}

	report, err := s.Run(context.Background(), []*domain.Task{{ID: "doomed", MaxRetries: 2}}, execute)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.RetryAttempt)
	assert.Contains(t, s.Tracker().PermanentFailures(), "doomed")
	assert.Equal(t, int64(1), report.Stats.TotalTasksFailed)
}

func TestRunRejectsDuplicateIDs(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	_, err := s.Run(context.Background(), []*domain.Task{task("x"), task("x")}, func(ctx context.Context, task *domain.Task) error {
		return nil
	})
	var dup *domain.DuplicateTaskError
	require.ErrorAs(t, err, &dup)
}

func TestRunRejectsNilExecutor(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	_, err := s.Run(context.Background(), []*domain.Task{task("x")}, nil)
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestUnschedulableTasksReportedNotDropped(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	execute := func(ctx context.Context, task *domain.Task) error { return nil }
	tasks := []*domain.Task{
		{ID: "ok"},
		{ID: "orphan", DependsOn: []string{"never-submitted"}},
		{ID: "cyc1", DependsOn: []string{"cyc2"}},
		{ID: "cyc2", DependsOn: []string{"cyc1"}},
	}

	report, err := s.Run(context.Background(), tasks, execute)
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, "ok", report.Results[0].TaskID)
	assert.ElementsMatch(t, []string{"orphan", "cyc1", "cyc2"}, report.Unschedulable)
}

func TestShutdownProducesResultForEveryTask(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MaxWorkers = 2
	cfg.ShutdownGrace = 20 * time.Millisecond
	s := newTestScheduler(t, cfg)

	started := make(chan struct{}, 16)
	execute := func(ctx context.Context, task *domain.Task) error {
		started <- struct{}{}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	tasks := make([]*domain.Task, 6)
	for i := range tasks {
		tasks[i] = task(fmt.Sprintf("t%d", i))
	}
	report, err := s.Run(ctx, tasks, execute)
	require.NoError(t, err)

	require.Len(t, report.Results, 6, "shutdown must not drop queued tasks")
	var shutdownCount int
	for _, res := range report.Results {
		assert.False(t, res.Success)
		if res.Shutdown {
			shutdownCount++
		}
	}
	assert.Equal(t, 6, shutdownCount)
}

func TestStatsAndReportIdempotentWithoutActivity(t *testing.T) {
	s := newTestScheduler(t, testConfig())

	_, err := s.Run(context.Background(), []*domain.Task{task("a"), task("b")}, func(ctx context.Context, task *domain.Task) error {
		return nil
	})
	require.NoError(t, err)

	s1, s2 := s.Stats(), s.Stats()
	assert.Equal(t, s1.TotalTasksCompleted, s2.TotalTasksCompleted)
	assert.Equal(t, s1.TotalTasksFailed, s2.TotalTasksFailed)
	assert.Equal(t, s1.AverageExecutionTimeMs, s2.AverageExecutionTimeMs)

	assert.Equal(t, s.FlakyReport(), s.FlakyReport())
}

func TestSinksObserveLifecycle(t *testing.T) {
	sink := &recordingSink{}
	s := newTestScheduler(t, testConfig(), WithSinks(sink))

	_, err := s.Run(context.Background(), []*domain.Task{task("a")}, func(ctx context.Context, task *domain.Task) error {
		return nil
	})
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Contains(t, sink.statuses, "a:PENDING")
	assert.Contains(t, sink.statuses, "a:RUNNING")
	assert.Equal(t, []string{"a"}, sink.results)
}

func TestConfigWithOverrideDoesNotMutateReceiver(t *testing.T) {
	base := testConfig()
	tuned := base.WithOverride(func(c *Config) { c.GlobalMaxRetries = 9 })

	assert.Equal(t, 9, tuned.GlobalMaxRetries)
	assert.Equal(t, 5, base.GlobalMaxRetries)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalMaxRetries = -1
	_, err := New(cfg)
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func resultsByID(report *RunReport) map[string]*domain.ExecutionResult {
	out := make(map[string]*domain.ExecutionResult, len(report.Results))
	for _, res := range report.Results {
		out[res.TaskID] = res
	}
	return out
}
