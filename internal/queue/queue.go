// Package queue provides the named, length-observable FIFO that connects the
// pipeline stages. Capacity is advisory: Push never blocks, and producers that
// care about backpressure consult Len before pushing.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// Queue is a thread-safe FIFO. Every popped element is returned to exactly one caller.
type Queue[T any] struct {
	name     string
	capacity int

	mu    sync.Mutex
	items deque.Deque[T]
	ready chan struct{}
}

// New constructs an empty queue. A capacity <= 0 means unbounded.
func New[T any](name string, capacity int) *Queue[T] {
	return &Queue[T]{
		name:     name,
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Name returns the queue name.
func (q *Queue[T]) Name() string {
	return q.name
}

// Cap returns the advisory capacity.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Len returns a point-in-time length. It is racy by nature and only suitable
// as a backpressure heuristic.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Push appends items and wakes one waiting consumer.
func (q *Queue[T]) Push(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	for _, item := range items {
		q.items.PushBack(item)
	}
	q.mu.Unlock()
	q.notify()
}

// Pop removes the head element. ok is false when the queue is empty.
func (q *Queue[T]) Pop() (item T, ok bool) {
	q.mu.Lock()
	if q.items.Len() == 0 {
		q.mu.Unlock()
		return item, false
	}
	item = q.items.PopFront()
	remaining := q.items.Len()
	q.mu.Unlock()
	if remaining > 0 {
		q.notify()
	}
	return item, true
}

// PopN removes up to n elements in one critical section.
func (q *Queue[T]) PopN(n int) []T {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	if n > q.items.Len() {
		n = q.items.Len()
	}
	out := make([]T, 0, n)
	for range n {
		out = append(out, q.items.PopFront())
	}
	remaining := q.items.Len()
	q.mu.Unlock()
	if remaining > 0 {
		q.notify()
	}
	return out
}

// Peek returns the head element without removing it.
func (q *Queue[T]) Peek() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return item, false
	}
	return q.items.Front(), true
}

// Ready fires after a push. It is a wake-up hint, not a guarantee that a Pop
// will succeed.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Wait blocks until the queue is signalled, idle elapses, stop closes, or ctx
// ends. It returns false when the caller should exit its loop.
func (q *Queue[T]) Wait(ctx context.Context, stop <-chan struct{}, idle time.Duration) bool {
	timer := time.NewTimer(idle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-q.ready:
		return true
	case <-timer.C:
		return true
	}
}

func (q *Queue[T]) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
