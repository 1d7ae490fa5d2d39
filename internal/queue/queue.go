// Package queue provides a bounded FIFO that never blocks producers.
package queue

import "sync"

// Ring is a bounded FIFO. When full, Push evicts the oldest entry instead of
// blocking. Consumers wait on Ready and then Pop until empty.
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	count int
	ready chan struct{}

	dropped uint64
}

// New creates a Ring holding at most capacity entries (minimum 1).
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:   make([]T, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push appends v and reports whether an older entry was evicted to make room.
func (r *Ring[T]) Push(v T) (evicted bool) {
	r.mu.Lock()
	if r.count == len(r.buf) {
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		r.dropped++
		evicted = true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = v
	r.count++
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return evicted
}

// Pop removes and returns the oldest entry.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.count == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return v, true
}

// Peek returns the oldest entry without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

// Len returns the number of queued entries.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Dropped returns how many entries have been evicted since creation.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Ready is signalled (coalesced) after every Push.
func (r *Ring[T]) Ready() <-chan struct{} {
	return r.ready
}
