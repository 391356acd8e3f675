// Package fifo provides an unbounded, closable queue whose consumers
// block with a context.
package fifo

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("fifo: queue closed")

// Queue is an unbounded multi-producer multi-consumer FIFO. Push never
// blocks; Pop waits for an item, the closing of the queue or the end of
// the context, whichever comes first.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	signal chan struct{}
	done   chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends v. It reports false if the queue is already closed, in
// which case v is dropped.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
	return true
}

// TryPop removes the head without waiting.
func (q *Queue[T]) TryPop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Pop removes the head, waiting while the queue is empty. Items pushed
// before Close are still delivered; afterwards Pop returns ErrClosed.
// A cancelled Pop consumes nothing.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		v, ok := q.popLocked()
		more := len(q.items) > 0
		closed := q.closed
		q.mu.Unlock()

		if ok {
			if more {
				// hand the token on so a sibling waiter sees the rest.
				q.wake()
			}
			return v, nil
		}
		if closed {
			return v, ErrClosed
		}

		select {
		case <-q.signal:
		case <-q.done:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}

func (q *Queue[T]) popLocked() (v T, ok bool) {
	if len(q.items) == 0 {
		return v, false
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return v, true
}

// Close marks the queue closed and wakes every waiter. It reports
// whether this call closed it.
func (q *Queue[T]) Close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.closed = true
	close(q.done)
	return true
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
