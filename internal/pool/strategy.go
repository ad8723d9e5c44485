package pool

import (
	"math/rand"

	"github.com/taskgrid/taskgrid/internal/domain"
)

// Strategy selects which idle worker receives the next task.
type Strategy string

const (
	// StrategyLeastLoaded picks the idle worker with the smallest resource
	// usage estimate.
	StrategyLeastLoaded Strategy = "least-loaded"
	// StrategyRoundRobin picks the first idle worker in pool order.
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyRandom picks a uniformly random idle worker.
	StrategyRandom Strategy = "random"
	// StrategyFewestCompleted picks the idle worker with the fewest completed
	// tasks, steering work away from hot workers.
	StrategyFewestCompleted Strategy = "fewest-completed"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLeastLoaded, StrategyRoundRobin, StrategyRandom, StrategyFewestCompleted:
		return true
	}
	return false
}

// pickIdle returns an idle worker according to the strategy, or nil when none
// is idle. Caller must hold the pool lock.
func pickIdle(workers []*Worker, strategy Strategy) *Worker {
	var idle []*Worker
	for _, w := range workers {
		if w.state == domain.WorkerIdle {
			idle = append(idle, w)
		}
	}
	if len(idle) == 0 {
		return nil
	}

	switch strategy {
	case StrategyRoundRobin:
		return idle[0]
	case StrategyRandom:
		return idle[rand.Intn(len(idle))]
	case StrategyFewestCompleted:
		best := idle[0]
		for _, w := range idle[1:] {
			if w.completedCount < best.completedCount {
				best = w
			}
		}
		return best
	default: // StrategyLeastLoaded
		best := idle[0]
		for _, w := range idle[1:] {
			if w.resourceUsage < best.resourceUsage {
				best = w
			}
		}
		return best
	}
}
