// Package redisstate keeps live task state in Redis so operators can watch a
// run from outside the process.
package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskgrid/taskgrid/internal/domain"
)

const (
	statusTTL = 24 * time.Hour
	resultTTL = 24 * time.Hour
)

func statusKey(taskID string) string { return "task:status:" + taskID }
func resultKey(taskID string) string { return "task:result:" + taskID }

// Store mirrors per-task status and terminal results into Redis. It
// implements the scheduler's Sink interface.
type Store struct {
	client *redis.Client
}

// NewClient creates a Redis client tuned for small, frequent writes.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

// NewStore wraps an existing Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// TaskStatus writes the task's current status.
func (s *Store) TaskStatus(ctx context.Context, taskID string, status domain.Status) error {
	if err := s.client.Set(ctx, statusKey(taskID), string(status), statusTTL).Err(); err != nil {
		return fmt.Errorf("redis set status for %s: %w", taskID, err)
	}
	return nil
}

// TaskResult writes the terminal result alongside the final status.
func (s *Store) TaskResult(ctx context.Context, res *domain.ExecutionResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result for %s: %w", res.TaskID, err)
	}
	if err := s.client.Set(ctx, resultKey(res.TaskID), data, resultTTL).Err(); err != nil {
		return fmt.Errorf("redis set result for %s: %w", res.TaskID, err)
	}
	return s.TaskStatus(ctx, res.TaskID, res.Status())
}

// GetStatus reads a task's last reported status.
func (s *Store) GetStatus(ctx context.Context, taskID string) (domain.Status, error) {
	val, err := s.client.Get(ctx, statusKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.TaskNotFoundError{TaskID: taskID}
		}
		return "", fmt.Errorf("redis get status for %s: %w", taskID, err)
	}
	return domain.Status(val), nil
}

// GetResult reads a task's terminal result, if one has been recorded.
func (s *Store) GetResult(ctx context.Context, taskID string) (*domain.ExecutionResult, error) {
	data, err := s.client.Get(ctx, resultKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get result for %s: %w", taskID, err)
	}
	var res domain.ExecutionResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("unmarshal result for %s: %w", taskID, err)
	}
	return &res, nil
}
