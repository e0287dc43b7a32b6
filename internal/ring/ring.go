// Package ring implements a fixed-capacity buffer that overwrites its oldest
// element on insert.
package ring

// Buffer is not safe for concurrent use; owners guard it with their own lock.
type Buffer[T any] struct {
	items []T
	start int
	n     int
}

// New creates a buffer holding at most capacity elements. A capacity below 1 is raised to 1.
func New[T any](capacity int) *Buffer[T] {
	return &Buffer[T]{items: make([]T, max(capacity, 1))}
}

// Push appends v. When the buffer is full the oldest element is overwritten
// and returned with evicted set.
func (b *Buffer[T]) Push(v T) (old T, evicted bool) {
	if b.n < len(b.items) {
		b.items[(b.start+b.n)%len(b.items)] = v
		b.n++
		return old, false
	}
	old = b.items[b.start]
	b.items[b.start] = v
	b.start = (b.start + 1) % len(b.items)
	return old, true
}

// Items returns a copy of the contents, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, b.n)
	for i := range b.n {
		out[i] = b.items[(b.start+i)%len(b.items)]
	}
	return out
}

// Newest returns the most recently pushed element.
func (b *Buffer[T]) Newest() (T, bool) {
	var zero T
	if b.n == 0 {
		return zero, false
	}
	return b.items[(b.start+b.n-1)%len(b.items)], true
}

// Reset empties the buffer without releasing its storage.
func (b *Buffer[T]) Reset() {
	clear(b.items)
	b.start, b.n = 0, 0
}

func (b *Buffer[T]) Len() int { return b.n }

func (b *Buffer[T]) Cap() int { return len(b.items) }
