// Package queue holds pending work and decides which task may run next.
//
// Tasks are partitioned into a strictly-serial class and a parallel-eligible
// class. Both lists stay sorted by descending priority after every insert,
// with ties keeping submission order. A parallel task becomes runnable only
// once every task it depends on has a recorded terminal result.
package queue

import (
	"sync"

	"github.com/taskgrid/taskgrid/internal/domain"
)

// Queue is the pending-task store and dependency resolver.
type Queue struct {
	mu       sync.Mutex
	serial   []*domain.Task
	parallel []*domain.Task
	known    map[string]struct{}
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{known: make(map[string]struct{})}
}

// Submit enqueues a task into the serialized or parallel class. Returns
// DuplicateTaskError if the id was already submitted.
func (q *Queue) Submit(task *domain.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.known[task.ID]; ok {
		return &domain.DuplicateTaskError{TaskID: task.ID}
	}
	q.known[task.ID] = struct{}{}

	if task.RequiresSerialization {
		q.serial = insertByPriority(q.serial, task)
	} else {
		q.parallel = insertByPriority(q.parallel, task)
	}
	return nil
}

// insertByPriority places task after all entries with priority >= its own,
// keeping descending priority with stable submission order on ties.
func insertByPriority(list []*domain.Task, task *domain.Task) []*domain.Task {
	i := len(list)
	for ; i > 0; i-- {
		if list[i-1].Priority >= task.Priority {
			break
		}
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = task
	return list
}

// NextSerial pops the highest-priority serialized task, or nil when the
// serial class is drained.
func (q *Queue) NextSerial() *domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.serial) == 0 {
		return nil
	}
	task := q.serial[0]
	q.serial = q.serial[1:]
	return task
}

// NextRunnable removes and returns the highest-priority parallel task whose
// dependencies all appear in done, or nil if no task is currently runnable.
// A task that is not yet runnable keeps its place; callers re-poll after the
// next completion rather than re-submitting.
func (q *Queue) NextRunnable(done map[string]struct{}) *domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, task := range q.parallel {
		if depsSatisfied(task, done) {
			q.parallel = append(q.parallel[:i], q.parallel[i+1:]...)
			return task
		}
	}
	return nil
}

// A dependency is satisfied by any terminal result — success or permanent
// failure both unblock dependents.
func depsSatisfied(task *domain.Task, done map[string]struct{}) bool {
	for _, dep := range task.DependsOn {
		if _, ok := done[dep]; !ok {
			return false
		}
	}
	return true
}

// PendingParallel returns how many parallel tasks are still queued.
func (q *Queue) PendingParallel() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.parallel)
}

// PendingSerial returns how many serialized tasks are still queued.
func (q *Queue) PendingSerial() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.serial)
}

// Drain removes and returns every still-queued parallel task in priority
// order, regardless of dependency state. Used at shutdown so each submitted
// task still gets a terminal result.
func (q *Queue) Drain() []*domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.parallel
	q.parallel = nil
	return out
}

// Stuck drains and returns the tasks that can never become runnable given
// the done set — their dependency sets reference ids that will never reach a
// terminal result (unknown ids, or cycles among the remaining tasks). This
// is the drain-time diagnostic for unsatisfiable dependency graphs.
func (q *Queue) Stuck(done map[string]struct{}) []*domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.parallel) == 0 {
		return nil
	}

	// Ids still queued could in principle complete later, so treat them as
	// resolvable and iterate to a fixed point; whatever never clears is stuck.
	resolvable := make(map[string]struct{}, len(done)+len(q.parallel))
	for id := range done {
		resolvable[id] = struct{}{}
	}

	remaining := append([]*domain.Task(nil), q.parallel...)
	for {
		progressed := false
		next := remaining[:0]
		for _, task := range remaining {
			if depsSatisfied(task, resolvable) {
				resolvable[task.ID] = struct{}{}
				progressed = true
			} else {
				next = append(next, task)
			}
		}
		remaining = next
		if !progressed || len(remaining) == 0 {
			break
		}
	}

	if len(remaining) == 0 {
		return nil
	}
	stuck := append([]*domain.Task(nil), remaining...)
	stuckIDs := make(map[string]struct{}, len(stuck))
	for _, task := range stuck {
		stuckIDs[task.ID] = struct{}{}
	}
	keep := q.parallel[:0]
	for _, task := range q.parallel {
		if _, ok := stuckIDs[task.ID]; !ok {
			keep = append(keep, task)
		}
	}
	q.parallel = keep
	return stuck
}
