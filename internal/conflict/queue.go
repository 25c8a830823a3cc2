package conflict

import (
	"fmt"
	"sync"

	"github.com/roach88/chora/internal/doc"
)

// Queue holds deferred conflicts until someone settles them by hand.
//
// The queue is in-memory only; pending conflicts do not survive a restart.
// A deferred conflict leaves its remote changes unapplied and
// unacknowledged, so the next sync delivers and detects it again.
//
// Thread-safety: all methods are safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	pending  []Conflict
	resolved []Result
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Add appends c to the pending list. A conflict with the same Key as a
// pending one replaces it in place.
func (q *Queue) Add(c Conflict) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := c.Key()
	for i, p := range q.pending {
		if p.Key() == key {
			q.pending[i] = c
			return
		}
	}
	q.pending = append(q.pending, c)
}

// Pending returns a copy of the pending conflicts in arrival order.
func (q *Queue) Pending() []Conflict {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Conflict(nil), q.pending...)
}

// Resolve moves c from pending to resolved in one step.
// Returns an error if c is not pending or if resolution is Deferred.
func (q *Queue) Resolve(c Conflict, resolution Resolution, data doc.Object) (Result, error) {
	if !resolution.Valid() || resolution == Deferred {
		return Result{}, fmt.Errorf("cannot resolve %s as %q", c, resolution)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := c.Key()
	idx := -1
	for i, p := range q.pending {
		if p.Key() == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Result{}, fmt.Errorf("%s is not pending", c)
	}

	res := Result{
		Conflict:   q.pending[idx],
		Resolution: resolution,
		Data:       data,
		Message:    "Resolved manually",
	}
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	q.resolved = append(q.resolved, res)
	return res, nil
}

// Resolved returns a copy of the resolved results in resolution order.
func (q *Queue) Resolved() []Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Result(nil), q.resolved...)
}

// Clear empties both lists.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	q.resolved = nil
}

// Len returns the number of pending conflicts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
