package flaky

import (
	"sync"
	"time"

	"github.com/taskgrid/taskgrid/internal/domain"
)

// registry is the single owner of flaky/permanent/attempt state. All access
// goes through its lock; RunWithRetry never touches the maps directly.
type registry struct {
	mu        sync.RWMutex
	attempts  map[string][]domain.RetryAttempt
	flaky     map[string]*domain.FlakyTestRecord
	permanent map[string]struct{}
	totalRuns int
}

func newRegistry() *registry {
	return &registry{
		attempts:  make(map[string][]domain.RetryAttempt),
		flaky:     make(map[string]*domain.FlakyTestRecord),
		permanent: make(map[string]struct{}),
	}
}

func (r *registry) appendAttempt(taskID string, a domain.RetryAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[taskID] = append(r.attempts[taskID], a)
}

func (r *registry) recordFlaky(taskID string, firstFailure time.Time, wallTime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.flaky[taskID]; ok {
		return // created the moment a retried task first succeeds, never replaced
	}
	history := append([]domain.RetryAttempt(nil), r.attempts[taskID]...)
	r.flaky[taskID] = &domain.FlakyTestRecord{
		TaskID:         taskID,
		FailureCount:   len(history),
		Attempts:       history,
		FirstFailureAt: firstFailure,
		FinalSuccessAt: time.Now().UTC(),
		TotalWallTime:  wallTime,
	}
}

func (r *registry) recordPermanent(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permanent[taskID] = struct{}{}
}

func (r *registry) recordRun() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalRuns++
}

func (r *registry) isFlaky(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.flaky[taskID]
	return ok
}

func (r *registry) isPermanent(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.permanent[taskID]
	return ok
}

func (r *registry) attemptsFor(taskID string) []domain.RetryAttempt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.RetryAttempt(nil), r.attempts[taskID]...)
}

func (r *registry) flakyFor(taskID string) *domain.FlakyTestRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flaky[taskID]
}

func (r *registry) permanentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.permanent))
	for id := range r.permanent {
		ids = append(ids, id)
	}
	return ids
}

func (r *registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = make(map[string][]domain.RetryAttempt)
	r.flaky = make(map[string]*domain.FlakyTestRecord)
	r.permanent = make(map[string]struct{})
	r.totalRuns = 0
}
