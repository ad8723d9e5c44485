// Package sandbox executes tasks inside freshly provisioned, resource-limited
// containers. Provisioning failures are retried with their own backoff
// policy; a test failure reported inside a successfully-run sandbox is
// terminal here and left to the caller's retry layer.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/taskgrid/taskgrid/internal/domain"
	"github.com/taskgrid/taskgrid/pkg/retry"
	"github.com/taskgrid/taskgrid/pkg/telemetry"
)

// dockerAPI is the slice of the Docker client the engine uses. Narrowed for
// fakes in tests; dockerClient adapts the real client.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerStatsOneShot(ctx context.Context, containerID string) (types.ContainerStats, error)
}

// Config controls sandbox provisioning and teardown.
type Config struct {
	// Image is the container image tasks run in.
	Image string
	// Command is the default argv; WithCommandFunc overrides it per task.
	Command []string
	// Env entries are passed verbatim to the container.
	Env []string
	// Limits bounds the sandbox. Zero fields mean no limit.
	Limits domain.ResourceLimits
	// Timeout bounds one sandbox from start to terminal state.
	Timeout time.Duration
	// Cleanup selects when finished sandboxes are removed.
	Cleanup CleanupStrategy
	// Retry is the infrastructure-failure backoff policy, independent of
	// task-level retries and with a smaller default budget.
	Retry retry.Config
	// AllowNetwork re-enables container networking; off by default.
	AllowNetwork bool
}

// Validate fails fast on an unusable sandbox configuration.
func (c Config) Validate() error {
	if c.Image == "" {
		return &domain.ConfigError{Field: "sandbox.image", Reason: "image is required"}
	}
	if c.Timeout <= 0 {
		return &domain.ConfigError{Field: "sandbox.timeout", Reason: "must be positive"}
	}
	if c.Cleanup != "" && !c.Cleanup.Valid() {
		return &domain.ConfigError{Field: "sandbox.cleanup", Reason: fmt.Sprintf("unknown strategy %q", c.Cleanup)}
	}
	return nil
}

// Result is the outcome of one sandbox run.
type Result struct {
	SandboxID string
	ExitCode  int64
	// Tests holds the structured per-test results parsed from the output
	// stream, or a single synthetic entry when no structured output was
	// parseable.
	Tests  []TestResult
	Output string
	// Usage is a best-effort resource snapshot; nil when stats were
	// unavailable.
	Usage *domain.SandboxUsage
	// Retries counts provisioning retries consumed by this run.
	Retries int
}

// RetryStats accumulates infrastructure-retry counts across a run.
type RetryStats struct {
	mu           sync.Mutex
	TotalRetries int `json:"total_retries"`
}

func (s *RetryStats) add(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalRetries += n
}

// Total returns the retries consumed so far.
func (s *RetryStats) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TotalRetries
}

// Engine provisions and drives sandboxes through their lifecycle.
type Engine struct {
	cfg     Config
	cli     dockerAPI
	logger  *slog.Logger
	cmdFor  func(*domain.Task) []string
	stats   RetryStats
	cleanup *tracker
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithCommandFunc derives the container argv from the task, replacing the
// configured default command.
func WithCommandFunc(fn func(*domain.Task) []string) Option {
	return func(e *Engine) { e.cmdFor = fn }
}

func withClient(cli dockerAPI) Option { return func(e *Engine) { e.cli = cli } }

// NewEngine validates cfg and connects to the local Docker daemon.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Cleanup == "" {
		cfg.Cleanup = CleanupImmediate
	}

	e := &Engine{
		cfg:     cfg,
		logger:  slog.Default(),
		cleanup: newTracker(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cli == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		e.cli = dockerClient{cli}
	}
	return e, nil
}

// RetryStats exposes the cumulative infrastructure-retry counters.
func (e *Engine) RetryStats() *RetryStats { return &e.stats }

// Execute runs one task in its own sandbox (per-task isolation, the default
// mode). Infrastructure failures are retried per the engine's policy; the
// returned error is non-nil only when the sandbox itself could not be run.
func (e *Engine) Execute(ctx context.Context, task *domain.Task) (*Result, error) {
	return e.run(ctx, e.commandFor(task), "task "+task.ID)
}

// ExecuteBatch runs many tasks in a single sandbox using the configured
// command; per-task results are separated by the structured output parser.
// Trades weaker fault containment for lower provisioning overhead.
func (e *Engine) ExecuteBatch(ctx context.Context, tasks []*domain.Task) (*Result, error) {
	return e.run(ctx, e.cfg.Command, fmt.Sprintf("batch of %d tasks", len(tasks)))
}

// Executor adapts the engine to the scheduler's executor contract: each task
// runs in its own sandbox, and a test failure inside a completed sandbox
// surfaces as an ordinary task failure for the task-level retry layer.
func (e *Engine) Executor() domain.ExecuteFunc {
	return func(ctx context.Context, task *domain.Task) error {
		res, err := e.Execute(ctx, task)
		if err != nil {
			return err
		}
		if failed := Failed(res.Tests); len(failed) > 0 {
			return fmt.Errorf("%d test(s) failed in sandbox %s: %s",
				len(failed), res.SandboxID, failed[0].Message)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("sandbox %s exited with code %d", res.SandboxID, res.ExitCode)
		}
		return nil
	}
}

func (e *Engine) commandFor(task *domain.Task) []string {
	if e.cmdFor != nil {
		return e.cmdFor(task)
	}
	return e.cfg.Command
}

func (e *Engine) run(ctx context.Context, cmd []string, what string) (*Result, error) {
	var res *Result
	retries := 0

	err := retry.Do(ctx, retry.Config{
		MaxAttempts: e.cfg.Retry.MaxAttempts,
		BaseDelay:   e.cfg.Retry.BaseDelay,
		Multiplier:  e.cfg.Retry.Multiplier,
		MaxDelay:    e.cfg.Retry.MaxDelay,
		Jitter:      e.cfg.Retry.Jitter,
		RetryIf:     isInfraError,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			retries++
			telemetry.SandboxInfraRetries.Inc()
			e.logger.Warn("sandbox provisioning failed, retrying",
				slog.String("what", what),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		var runErr error
		res, runErr = e.runOnce(ctx, cmd)
		return runErr
	})
	if err != nil {
		e.stats.add(retries)
		return nil, err
	}

	res.Retries = retries
	e.stats.add(retries)
	return res, nil
}

// runOnce drives a single sandbox through its whole lifecycle:
// Creating → Created → Starting → Running → {Exited|Failed} → Removing → Removed.
func (e *Engine) runOnce(ctx context.Context, cmd []string) (*Result, error) {
	sb := &domain.Sandbox{
		Name:   "taskgrid-" + uuid.New().String()[:8],
		Status: domain.SandboxCreating,
		Limits: e.cfg.Limits,
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   e.cfg.Limits.MemoryBytes,
			NanoCPUs: e.cfg.Limits.NanoCPUs,
		},
	}
	if e.cfg.Limits.PidsLimit > 0 {
		pids := e.cfg.Limits.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}

	created, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:           e.cfg.Image,
		Cmd:             cmd,
		Env:             e.cfg.Env,
		NetworkDisabled: !e.cfg.AllowNetwork,
		Tty:             false,
	}, hostCfg, sb.Name)
	if err != nil {
		sb.Status = domain.SandboxFailed
		return nil, classifyInfraError(err)
	}
	sb.ID = created.ID
	sb.Status = domain.SandboxCreated

	// From here on the container exists; make sure it is torn down per the
	// cleanup strategy whatever happens.
	defer e.finish(sb)

	sb.Status = domain.SandboxStarting
	if err := e.cli.ContainerStart(ctx, sb.ID, container.StartOptions{}); err != nil {
		sb.Status = domain.SandboxFailed
		return nil, classifyInfraError(err)
	}
	sb.Status = domain.SandboxRunning

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var exitCode int64
	statusCh, errCh := e.cli.ContainerWait(waitCtx, sb.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			sb.Status = domain.SandboxFailed
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return nil, &domain.InfraError{Code: domain.InfraTimeout, Err: err}
			}
			return nil, classifyInfraError(err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	if exitCode == 0 {
		sb.Status = domain.SandboxExited
		telemetry.SandboxRuns.WithLabelValues("exited").Inc()
	} else {
		sb.Status = domain.SandboxFailed
		telemetry.SandboxRuns.WithLabelValues("failed").Inc()
	}

	output, err := e.collectOutput(ctx, sb.ID)
	if err != nil {
		e.logger.Warn("failed to collect sandbox output",
			slog.String("sandbox_id", sb.ID),
			slog.String("error", err.Error()),
		)
	}

	res := &Result{
		SandboxID: sb.ID,
		ExitCode:  exitCode,
		Output:    output,
		Tests:     parseOutput(output),
		Usage:     e.sampleUsage(ctx, sb.ID),
	}
	return res, nil
}

func (e *Engine) collectOutput(ctx context.Context, id string) (string, error) {
	rd, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer rd.Close()

	var buf strings.Builder
	// The log stream is multiplexed; stdcopy splits stdout/stderr.
	if _, err := stdcopy.StdCopy(&buf, &buf, rd); err != nil {
		return buf.String(), err
	}
	return buf.String(), nil
}

// sampleUsage collects a resource snapshot on a best-effort basis; absence of
// metrics is not an error.
func (e *Engine) sampleUsage(ctx context.Context, id string) *domain.SandboxUsage {
	stats, err := e.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil
	}
	defer stats.Body.Close()

	var js types.StatsJSON
	if err := json.NewDecoder(stats.Body).Decode(&js); err != nil {
		return nil
	}

	usage := &domain.SandboxUsage{
		MemoryBytes: int64(js.MemoryStats.Usage),
		PeakBytes:   int64(js.MemoryStats.MaxUsage),
	}
	cpuDelta := float64(js.CPUStats.CPUUsage.TotalUsage) - float64(js.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(js.CPUStats.SystemUsage) - float64(js.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta >= 0 {
		cpus := float64(js.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		usage.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}
	return usage
}

// finish applies the cleanup strategy to a terminal sandbox.
func (e *Engine) finish(sb *domain.Sandbox) {
	switch e.cfg.Cleanup {
	case CleanupImmediate:
		e.remove(context.Background(), sb.ID)
	default:
		// batch and onExit both defer removal to Cleanup().
		e.cleanup.track(sb.ID)
	}
}

func (e *Engine) remove(ctx context.Context, id string) {
	if err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		e.logger.Warn("failed to remove sandbox",
			slog.String("sandbox_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// Cleanup force-removes every sandbox still tracked. Called at the end of a
// run for the batch strategy, or from the process-exit path for onExit.
func (e *Engine) Cleanup(ctx context.Context) {
	for _, id := range e.cleanup.drain() {
		e.remove(ctx, id)
	}
}

// classifyInfraError maps a Docker error onto the retryable infrastructure
// taxonomy.
func classifyInfraError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.InfraError{Code: domain.InfraTimeout, Err: err}
	case strings.Contains(msg, "network"):
		return &domain.InfraError{Code: domain.InfraNetworkSetup, Err: err}
	case strings.Contains(msg, "no space left"), strings.Contains(msg, "cannot allocate memory"),
		strings.Contains(msg, "resource exhausted"):
		return &domain.InfraError{Code: domain.InfraResourceExhausted, Err: err}
	default:
		return &domain.InfraError{Code: domain.InfraStartFailed, Err: err}
	}
}

func isInfraError(err error) bool {
	var infra *domain.InfraError
	return errors.As(err, &infra)
}
