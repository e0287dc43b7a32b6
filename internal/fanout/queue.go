// Package fanout provides the bounded per-subscriber delivery queue used by
// every push channel in the service.
package fanout

import "sync/atomic"

// Queue is a bounded single-consumer queue that never blocks the producer.
// When the queue is full, Push evicts the oldest queued value to make room.
//
// Push and Close must be serialized by the caller (the owner of the
// subscriber registry holds its lock for both). Receiving from C is safe
// concurrently with either.
type Queue[T any] struct {
	ch      chan T
	dropped atomic.Uint64
	closed  bool
}

// New creates a queue holding at most depth values. A depth below 1 is raised to 1.
func New[T any](depth int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, max(depth, 1))}
}

// Push enqueues v and reports whether an older value was evicted.
// Pushing to a closed queue is a no-op.
func (q *Queue[T]) Push(v T) (evicted bool) {
	if q.closed {
		return false
	}
	for {
		select {
		case q.ch <- v:
			return evicted
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			evicted = true
		default:
			// Consumer drained a slot between the two selects; retry the send.
		}
	}
}

// C is the receive side. It is closed by Close after the remaining values are drained.
func (q *Queue[T]) C() <-chan T { return q.ch }

// Dropped returns how many values were evicted over the queue's lifetime.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }

// Len returns the number of values waiting.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Close closes the receive side. Values already queued remain readable.
func (q *Queue[T]) Close() {
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
