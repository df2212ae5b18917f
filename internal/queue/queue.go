// Package queue provides the bounded, step-stamped FIFO used as a node inbox.
package queue

import "github.com/zde37/chordsim/pkg"

type entry[T any] struct {
	value T
	due   int64
}

// Queue is a fixed-capacity FIFO whose items become visible at a given step.
// It is not safe for concurrent use; a simulation drives it from one goroutine.
type Queue[T any] struct {
	items    []entry[T]
	capacity int
}

// New creates a queue holding at most capacity items. A non-positive
// capacity means unbounded.
func New[T any](capacity int) *Queue[T] {
	initial := capacity
	if initial <= 0 || initial > 64 {
		initial = 64
	}
	return &Queue[T]{
		items:    make([]entry[T], 0, initial),
		capacity: capacity,
	}
}

// Push appends v, visible from step due onwards. It returns pkg.ErrQueueFull
// when the queue is at capacity.
func (q *Queue[T]) Push(v T, due int64) error {
	if q.Full() {
		return pkg.ErrQueueFull
	}
	q.items = append(q.items, entry[T]{value: v, due: due})
	return nil
}

// PushForce appends v ignoring capacity. Loopback error notices use it so a
// full inbox can never swallow a delivery failure.
func (q *Queue[T]) PushForce(v T, due int64) {
	q.items = append(q.items, entry[T]{value: v, due: due})
}

// Drain removes and returns, in FIFO order, every item due at or before now.
func (q *Queue[T]) Drain(now int64) []T {
	if len(q.items) == 0 {
		return nil
	}

	var out []T
	kept := q.items[:0]
	for _, e := range q.items {
		if e.due <= now {
			out = append(out, e.value)
			continue
		}
		kept = append(kept, e)
	}

	// Zero the tail so drained values can be collected.
	var zero entry[T]
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = kept
	return out
}

// Clear removes and returns everything, due or not.
func (q *Queue[T]) Clear() []T {
	out := make([]T, len(q.items))
	for i, e := range q.items {
		out[i] = e.value
	}
	q.items = q.items[:0]
	return out
}

// NextDue returns the earliest due step among queued items.
func (q *Queue[T]) NextDue() (int64, bool) {
	if len(q.items) == 0 {
		return 0, false
	}
	min := q.items[0].due
	for _, e := range q.items[1:] {
		if e.due < min {
			min = e.due
		}
	}
	return min, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the configured capacity (non-positive when unbounded).
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Full reports whether Push would fail.
func (q *Queue[T]) Full() bool {
	return q.capacity > 0 && len(q.items) >= q.capacity
}
