package queue

import (
	"sync"
)

// Queue is a thread-safe buffer for items produced by the playback loop and
// consumed in batches by a slower sink (telemetry writers, storage flushes).
// A zero capacity means unbounded; otherwise the oldest items are evicted
// when a push would exceed the capacity, so a stalled sink can never block
// the monitor loop.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	cap     int
	evicted uint64
}

// New creates an unbounded queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// NewBounded creates a queue that holds at most capacity items.
func NewBounded[T any](capacity int) *Queue[T] {
	return &Queue[T]{cap: capacity}
}

// Push appends items, evicting from the front if the capacity is exceeded.
func (q *Queue[T]) Push(items ...T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
	if q.cap > 0 && len(q.items) > q.cap {
		drop := len(q.items) - q.cap
		q.items = q.items[drop:]
		q.evicted += uint64(drop)
	}
}

// Pop removes and returns the first item. Returns zero value if empty.
func (q *Queue[T]) Pop() T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

// Empty returns true if the queue has no items.
func (q *Queue[T]) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Len returns the number of items in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Evicted returns how many items were dropped to honor the capacity.
func (q *Queue[T]) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// Clear removes all items from the queue.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
}

// Drain returns all buffered items and leaves the queue empty. The returned
// slice is owned by the caller.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := q.items
	q.items = make([]T, 0, cap(q.items))
	return result
}
