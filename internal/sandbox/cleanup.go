package sandbox

import "sync"

// CleanupStrategy selects when finished sandboxes are removed.
type CleanupStrategy string

const (
	// CleanupImmediate removes a sandbox right after its output is collected.
	CleanupImmediate CleanupStrategy = "immediate"
	// CleanupBatch defers removal; all sandboxes from a run are removed
	// together by Cleanup at the end.
	CleanupBatch CleanupStrategy = "batch"
	// CleanupOnExit defers removal to the process-exit path, so a crash
	// between runs still leaves a hook to force-remove leftovers.
	CleanupOnExit CleanupStrategy = "on-exit"
)

// Valid reports whether s names a known strategy.
func (s CleanupStrategy) Valid() bool {
	switch s {
	case CleanupImmediate, CleanupBatch, CleanupOnExit:
		return true
	}
	return false
}

// tracker remembers container ids awaiting deferred removal.
type tracker struct {
	mu  sync.Mutex
	ids []string
}

func newTracker() *tracker { return &tracker{} }

func (t *tracker) track(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids = append(t.ids, id)
}

func (t *tracker) drain() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.ids
	t.ids = nil
	return ids
}
