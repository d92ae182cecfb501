// Package ringbuffer provides a fixed-capacity circular store that overwrites
// its oldest element once full.
//
// A RingBuffer is not synchronized; owners guard it with their own lock.
package ringbuffer

// RingBuffer holds the most recent Cap() values pushed into it.
type RingBuffer[T any] struct {
	items []T
	head  int // next write slot
	count int
}

// New returns an empty buffer. Capacities below 1 are raised to 1.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{items: make([]T, capacity)}
}

// Push stores v, overwriting the oldest element when the buffer is full.
func (r *RingBuffer[T]) Push(v T) {
	r.items[r.head] = v
	r.head = (r.head + 1) % len(r.items)
	if r.count < len(r.items) {
		r.count++
	}
}

// PushBatch pushes values in order.
func (r *RingBuffer[T]) PushBatch(values []T) {
	for _, v := range values {
		r.Push(v)
	}
}

func (r *RingBuffer[T]) Len() int    { return r.count }
func (r *RingBuffer[T]) Cap() int    { return len(r.items) }
func (r *RingBuffer[T]) Empty() bool { return r.count == 0 }
func (r *RingBuffer[T]) Full() bool  { return r.count == len(r.items) }

// Clear forgets every element. Storage is kept.
func (r *RingBuffer[T]) Clear() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.count = 0
}

// oldest is the slot index of Get(0).
func (r *RingBuffer[T]) oldest() int {
	return (r.head + len(r.items) - r.count) % len(r.items)
}

// Get returns the i-th element counting from the oldest, or the zero value
// when i is out of range.
func (r *RingBuffer[T]) Get(i int) T {
	var zero T
	if i < 0 || i >= r.count {
		return zero
	}
	return r.items[(r.oldest()+i)%len(r.items)]
}

// Latest returns the most recently pushed element, or the zero value.
func (r *RingBuffer[T]) Latest() T {
	var zero T
	if r.count == 0 {
		return zero
	}
	return r.items[(r.head+len(r.items)-1)%len(r.items)]
}

// Continuous returns the contents oldest to newest. When maxPoints is
// positive and smaller than Len, exactly maxPoints elements are picked at a
// fixed stride of Len/maxPoints starting from the oldest.
func (r *RingBuffer[T]) Continuous(maxPoints int) []T {
	if r.count == 0 {
		return nil
	}
	if maxPoints <= 0 || r.count <= maxPoints {
		out := make([]T, r.count)
		start := r.oldest()
		n := copy(out, r.items[start:min(start+r.count, len(r.items))])
		copy(out[n:], r.items[:r.count-n])
		return out
	}

	stride := r.count / maxPoints
	out := make([]T, maxPoints)
	for i := range out {
		out[i] = r.Get(i * stride)
	}
	return out
}
