// Package history persists run outcomes to PostgreSQL for later analysis of
// failure and flakiness trends across runs.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskgrid/taskgrid/internal/domain"
)

// Execution is one persisted terminal result.
type Execution struct {
	ID              string
	TaskID          string
	WorkerID        string
	SandboxID       string
	Success         bool
	Error           string
	ExecutionTimeMs int64
	RetryAttempt    int
	IsFlaky         bool
	Timeout         bool
	Shutdown        bool
	RecordedAt      time.Time
}

// Repository abstracts all database access for run history.
type Repository interface {
	TaskStatus(ctx context.Context, taskID string, status domain.Status) error
	TaskResult(ctx context.Context, res *domain.ExecutionResult) error
	LatestExecution(ctx context.Context, taskID string) (*Execution, error)
	ListFlaky(ctx context.Context, limit int) ([]*Execution, error)
	ListFailed(ctx context.Context, limit int) ([]*Execution, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the Repository interface.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// TaskStatus upserts the task's current status.
func (r *repository) TaskStatus(ctx context.Context, taskID string, status domain.Status) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_runs (task_id, status, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id) DO UPDATE SET status = $2, updated_at = $3
	`, taskID, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert status for task %s: %w", taskID, err)
	}
	return nil
}

// TaskResult records one terminal execution row.
func (r *repository) TaskResult(ctx context.Context, res *domain.ExecutionResult) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_executions
			(id, task_id, worker_id, sandbox_id, success, error,
			 execution_time_ms, retry_attempt, is_flaky, timed_out, shutdown, recorded_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		uuid.New().String(), res.TaskID, res.WorkerID, res.SandboxID,
		res.Success, res.Error, res.ExecutionTimeMs, res.RetryAttempt,
		res.IsFlaky, res.Timeout, res.Shutdown, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record execution for task %s: %w", res.TaskID, err)
	}
	return nil
}

// LatestExecution returns the most recent recorded execution for a task.
func (r *repository) LatestExecution(ctx context.Context, taskID string) (*Execution, error) {
	row := r.pool.QueryRow(ctx, selectExecutions+`
		WHERE task_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1
	`, taskID)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, err
	}
	return exec, nil
}

// ListFlaky returns the most recent flaky executions.
func (r *repository) ListFlaky(ctx context.Context, limit int) ([]*Execution, error) {
	return r.list(ctx, selectExecutions+`
		WHERE is_flaky
		ORDER BY recorded_at DESC
		LIMIT $1
	`, limit)
}

// ListFailed returns the most recent failed executions.
func (r *repository) ListFailed(ctx context.Context, limit int) ([]*Execution, error) {
	return r.list(ctx, selectExecutions+`
		WHERE NOT success
		ORDER BY recorded_at DESC
		LIMIT $1
	`, limit)
}

const selectExecutions = `
	SELECT id, task_id, worker_id, sandbox_id, success, error,
	       execution_time_ms, retry_attempt, is_flaky, timed_out, shutdown, recorded_at
	FROM task_executions
`

func (r *repository) list(ctx context.Context, query string, limit int) ([]*Execution, error) {
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// scanExecution reads an execution row from any pgx row type.
func scanExecution(row interface {
	Scan(...any) error
}) (*Execution, error) {
	var exec Execution
	err := row.Scan(
		&exec.ID, &exec.TaskID, &exec.WorkerID, &exec.SandboxID,
		&exec.Success, &exec.Error, &exec.ExecutionTimeMs, &exec.RetryAttempt,
		&exec.IsFlaky, &exec.Timeout, &exec.Shutdown, &exec.RecordedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	return &exec, nil
}
