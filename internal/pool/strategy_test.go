package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/internal/domain"
)

func idleWorker(id string, completed, usage int64) *Worker {
	return &Worker{id: id, state: domain.WorkerIdle, completedCount: completed, resourceUsage: usage}
}

func TestPickIdle_NoIdleWorkers(t *testing.T) {
	workers := []*Worker{{id: "w1", state: domain.WorkerBusy}}
	assert.Nil(t, pickIdle(workers, StrategyRoundRobin))
}

func TestPickIdle_RoundRobin_FirstInPoolOrder(t *testing.T) {
	workers := []*Worker{
		{id: "w1", state: domain.WorkerBusy},
		idleWorker("w2", 5, 100),
		idleWorker("w3", 0, 0),
	}
	got := pickIdle(workers, StrategyRoundRobin)
	require.NotNil(t, got)
	assert.Equal(t, "w2", got.id)
}

func TestPickIdle_LeastLoaded_SmallestUsage(t *testing.T) {
	workers := []*Worker{
		idleWorker("w1", 0, 300),
		idleWorker("w2", 0, 100),
		idleWorker("w3", 0, 200),
	}
	got := pickIdle(workers, StrategyLeastLoaded)
	require.NotNil(t, got)
	assert.Equal(t, "w2", got.id)
}

func TestPickIdle_FewestCompleted(t *testing.T) {
	workers := []*Worker{
		idleWorker("w1", 9, 0),
		idleWorker("w2", 2, 0),
		idleWorker("w3", 7, 0),
	}
	got := pickIdle(workers, StrategyFewestCompleted)
	require.NotNil(t, got)
	assert.Equal(t, "w2", got.id)
}

func TestPickIdle_Random_ReturnsSomeIdleWorker(t *testing.T) {
	workers := []*Worker{
		{id: "w1", state: domain.WorkerBusy},
		idleWorker("w2", 0, 0),
		idleWorker("w3", 0, 0),
	}
	for i := 0; i < 20; i++ {
		got := pickIdle(workers, StrategyRandom)
		require.NotNil(t, got)
		assert.Contains(t, []string{"w2", "w3"}, got.id)
	}
}

func TestStrategyValid(t *testing.T) {
	assert.True(t, StrategyLeastLoaded.Valid())
	assert.True(t, StrategyRoundRobin.Valid())
	assert.True(t, StrategyRandom.Valid())
	assert.True(t, StrategyFewestCompleted.Valid())
	assert.False(t, Strategy("bogus").Valid())
}
