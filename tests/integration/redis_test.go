//go:build integration

package integration

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/internal/domain"
	"github.com/taskgrid/taskgrid/internal/redisstate"
)

// newRedisClient returns a client connected to the test container and flushes
// the database on test cleanup so tests don't interfere with each other.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

func TestRedis_StatusRoundTrip(t *testing.T) {
	store := redisstate.NewStore(newRedisClient(t))
	ctx := context.Background()

	require.NoError(t, store.TaskStatus(ctx, "task-1", domain.StatusRunning))

	got, err := store.GetStatus(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got)
}

func TestRedis_StatusNotFound(t *testing.T) {
	store := redisstate.NewStore(newRedisClient(t))

	_, err := store.GetStatus(context.Background(), "does-not-exist")
	require.Error(t, err)

	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "does-not-exist", notFound.TaskID)
}

func TestRedis_ResultRoundTrip(t *testing.T) {
	store := redisstate.NewStore(newRedisClient(t))
	ctx := context.Background()

	res := &domain.ExecutionResult{
		TaskID:          "task-result-1",
		Success:         true,
		ExecutionTimeMs: 125,
		RetryAttempt:    1,
		IsFlaky:         true,
		WorkerID:        "worker-abc",
	}
	require.NoError(t, store.TaskResult(ctx, res))

	got, err := store.GetResult(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, res, got)

	// Writing the result also records the terminal status.
	status, err := store.GetStatus(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, status)
}

func TestRedis_StatusTransitions(t *testing.T) {
	store := redisstate.NewStore(newRedisClient(t))
	ctx := context.Background()

	transitions := []domain.Status{
		domain.StatusPending,
		domain.StatusRunning,
		domain.StatusRetrying,
		domain.StatusDone,
	}
	for _, status := range transitions {
		require.NoError(t, store.TaskStatus(ctx, "task-fsm", status))
		got, err := store.GetStatus(ctx, "task-fsm")
		require.NoError(t, err)
		assert.Equal(t, status, got, "status should be %s", status)
	}
}
