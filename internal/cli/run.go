package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskgrid/taskgrid/internal/cli/config"
	"github.com/taskgrid/taskgrid/internal/domain"
	"github.com/taskgrid/taskgrid/internal/history"
	"github.com/taskgrid/taskgrid/internal/kafka"
	"github.com/taskgrid/taskgrid/internal/localexec"
	"github.com/taskgrid/taskgrid/internal/manifest"
	"github.com/taskgrid/taskgrid/internal/pool"
	"github.com/taskgrid/taskgrid/internal/redisstate"
	"github.com/taskgrid/taskgrid/internal/sandbox"
	"github.com/taskgrid/taskgrid/internal/scheduler"
	"github.com/taskgrid/taskgrid/pkg/retry"
	"github.com/taskgrid/taskgrid/pkg/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the tasks in a manifest",
	Long: `Load a task manifest and drive every task to a terminal result.

Tasks run as local subprocesses by default; pass --sandbox-image to run each
task in an isolated container instead. With --cron the manifest is executed
on a recurring schedule until interrupted.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("manifest", "taskgrid.tasks.yaml", "task manifest path")
	runCmd.Flags().Int("min-workers", 1, "minimum worker count")
	runCmd.Flags().Int("max-workers", 4, "maximum worker count")
	runCmd.Flags().Duration("task-timeout", 5*time.Minute, "per-task execution timeout")
	runCmd.Flags().Duration("acquire-timeout", 30*time.Second, "bounded wait for a free worker")
	runCmd.Flags().String("strategy", "least-loaded", "worker selection: least-loaded | round-robin | random | fewest-completed")
	runCmd.Flags().Int64("memory-limit-bytes", 0, "per-worker memory ceiling; 0 disables restarts")
	runCmd.Flags().Int("global-max-retries", 3, "cap on any task's retry budget")
	runCmd.Flags().Duration("retry-base-delay", time.Second, "first retry backoff delay")
	runCmd.Flags().Duration("shutdown-grace", 5*time.Second, "how long in-flight tasks may finish after an interrupt")
	runCmd.Flags().String("sandbox-image", "", "container image for isolated execution; empty runs tasks locally")
	runCmd.Flags().Duration("sandbox-timeout", 10*time.Minute, "sandbox start-to-terminal deadline")
	runCmd.Flags().String("sandbox-cleanup", "immediate", "sandbox removal: immediate | batch | on-exit")
	runCmd.Flags().String("redis-addr", "", "Redis address for live task state; empty disables")
	runCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN for run history; empty disables")
	runCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka brokers for result events; empty disables")
	runCmd.Flags().String("cron", "", "cron expression for recurring runs (e.g. \"0 2 * * *\")")
	runCmd.Flags().String("metrics-addr", ":9091", "Prometheus metrics/status server address")
	runCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing; empty disables")

	bindFlag("manifest", runCmd.Flags(), "manifest")
	bindFlag("min_workers", runCmd.Flags(), "min-workers")
	bindFlag("max_workers", runCmd.Flags(), "max-workers")
	bindFlag("task_timeout", runCmd.Flags(), "task-timeout")
	bindFlag("acquire_timeout", runCmd.Flags(), "acquire-timeout")
	bindFlag("strategy", runCmd.Flags(), "strategy")
	bindFlag("memory_limit_bytes", runCmd.Flags(), "memory-limit-bytes")
	bindFlag("global_max_retries", runCmd.Flags(), "global-max-retries")
	bindFlag("retry_base_delay", runCmd.Flags(), "retry-base-delay")
	bindFlag("shutdown_grace", runCmd.Flags(), "shutdown-grace")
	bindFlag("sandbox_image", runCmd.Flags(), "sandbox-image")
	bindFlag("sandbox_timeout", runCmd.Flags(), "sandbox-timeout")
	bindFlag("sandbox_cleanup", runCmd.Flags(), "sandbox-cleanup")
	bindFlag("redis_addr", runCmd.Flags(), "redis-addr")
	bindFlag("postgres_dsn", runCmd.Flags(), "postgres-dsn")
	bindFlag("kafka_brokers", runCmd.Flags(), "kafka-brokers")
	bindFlag("cron", runCmd.Flags(), "cron")
	bindFlag("metrics_addr", runCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", runCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runRun(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel)

	m, err := manifest.Load(cfg.Manifest)
	if err != nil {
		return err
	}
	tasks, err := m.Domain()
	if err != nil {
		return err
	}

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "taskgrid", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	sinks, closeSinks, err := buildSinks(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	schedCfg := scheduler.Config{
		Pool: pool.Config{
			MinWorkers:           cfg.MinWorkers,
			MaxWorkers:           cfg.MaxWorkers,
			MemoryLimitPerWorker: cfg.MemoryLimit,
			TaskTimeout:          cfg.TaskTimeout,
			AcquireTimeout:       cfg.AcquireTimeout,
			Strategy:             pool.Strategy(cfg.Strategy),
		},
		GlobalMaxRetries: cfg.GlobalMaxRetries,
		RetryBackoff:     retry.Config{BaseDelay: cfg.RetryBaseDelay, Multiplier: 2, MaxDelay: 30 * time.Second},
		ShutdownGrace:    cfg.ShutdownGrace,
	}
	sched, err := scheduler.New(schedCfg, scheduler.WithLogger(logger), scheduler.WithSinks(sinks...))
	if err != nil {
		return err
	}
	defer sched.Close()

	execute, cleanupSandboxes, err := buildExecutor(cfg, logger)
	if err != nil {
		return err
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartServer(runCtx, cfg.MetricsAddr, logger, telemetry.StatusProviders{
		Stats: func() any { return sched.Stats() },
		Flaky: func() any { return sched.FlakyReport() },
	})
	if cfg.MemoryLimit > 0 {
		go sched.MonitorResources(runCtx, 10*time.Second)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down, letting in-flight tasks finish...")
		runCancel()
	}()

	defer cleanupSandboxes()

	if cfg.CronSchedule != "" {
		return runRecurring(runCtx, cfg.CronSchedule, sched, tasks, execute, logger)
	}

	report, err := sched.Run(runCtx, tasks, execute)
	if err != nil {
		return err
	}
	printReport(report)
	if failed := report.Stats.TotalTasksFailed; failed > 0 || len(report.Unschedulable) > 0 {
		return fmt.Errorf("run finished with %d failed and %d unschedulable tasks",
			failed, len(report.Unschedulable))
	}
	return nil
}

// runRecurring executes the manifest on a cron schedule until ctx is
// cancelled. Overlapping runs are skipped, not queued.
func runRecurring(ctx context.Context, schedule string, sched *scheduler.Scheduler, tasks []*domain.Task, execute domain.ExecuteFunc, logger *slog.Logger) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		report, err := sched.Run(ctx, tasks, execute)
		if err != nil {
			logger.Error("scheduled run failed", slog.String("error", err.Error()))
			return
		}
		logger.Info("scheduled run finished",
			slog.Int64("completed", report.Stats.TotalTasksCompleted),
			slog.Int64("failed", report.Stats.TotalTasksFailed),
			slog.Int("unschedulable", len(report.Unschedulable)),
		)
	})
	if err != nil {
		return fmt.Errorf("cron schedule %q: %w", schedule, err)
	}

	logger.Info("recurring mode", slog.String("schedule", schedule))
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

// buildSinks assembles the optional state, history, and event sinks.
func buildSinks(cfg config.Config, logger *slog.Logger) ([]scheduler.Sink, func(), error) {
	var sinks []scheduler.Sink
	var closers []func()

	if cfg.RedisAddr != "" {
		client := redisstate.NewClient(cfg.RedisAddr)
		closers = append(closers, func() { _ = client.Close() })
		sinks = append(sinks, redisstate.NewStore(client))
		logger.Info("redis state sink enabled", slog.String("addr", cfg.RedisAddr))
	}

	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pgPool, err := history.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, pgPool.Close)
		sinks = append(sinks, history.NewRepository(pgPool))
		logger.Info("postgres history sink enabled")
	}

	if cfg.KafkaBrokers != "" {
		pub := kafka.NewPublisher(strings.Split(cfg.KafkaBrokers, ","))
		closers = append(closers, func() { _ = pub.Close() })
		sinks = append(sinks, pub)
		logger.Info("kafka event sink enabled", slog.String("brokers", cfg.KafkaBrokers))
	}

	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}
	return sinks, closeAll, nil
}

// buildExecutor picks sandboxed or local execution based on configuration.
func buildExecutor(cfg config.Config, logger *slog.Logger) (domain.ExecuteFunc, func(), error) {
	if cfg.SandboxImage == "" {
		return localexec.Executor(logger), func() {}, nil
	}

	engine, err := sandbox.NewEngine(sandbox.Config{
		Image:   cfg.SandboxImage,
		Timeout: cfg.SandboxTimeout,
		Cleanup: sandbox.CleanupStrategy(cfg.SandboxCleanup),
	},
		sandbox.WithLogger(logger),
		sandbox.WithCommandFunc(localexec.Command),
	)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		engine.Cleanup(ctx)
	}
	return engine.Executor(), cleanup, nil
}

func printReport(report *scheduler.RunReport) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
}
