package agent

import (
	"context"
	"errors"
	"sync"

	"go.lepak.sg/aliveq/logging"
)

// ErrQueueClosed is returned by Enqueue once Close has been called on the
// owning QueueAgent.
var ErrQueueClosed = errors.New("agent: queue is closed")

// QueueAgent is an Agent with an unbounded inbound queue and single-reader
// discipline: only the Agent's own step function is expected to call
// TryDequeue. Enqueue may be called from any number of goroutines.
type QueueAgent[T any] struct {
	*Agent

	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

// NewQueue creates a QueueAgent. stepFactory builds the step function from
// the QueueAgent itself, which lets the step call WaitForItem/TryDequeue on
// the very instance it drains.
func NewQueue[T any](parent context.Context, log logging.Logger, stepFactory func(*QueueAgent[T]) Step) *QueueAgent[T] {
	qa := &QueueAgent[T]{
		notify: make(chan struct{}, 1),
	}
	qa.Agent = New(parent, log, stepFactory(qa))
	return qa
}

// Enqueue appends item to the queue. It never blocks, and fails only once
// Close has been called; Dispose alone does not close the queue.
func (q *QueueAgent[T]) Enqueue(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	notify(q.notify)
	return nil
}

// TryDequeue removes and returns the oldest queued item, if any.
func (q *QueueAgent[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// WaitForItem blocks until an item is available, ctx is cancelled, or the
// queue is closed (in which case it returns false).
func (q *QueueAgent[T]) WaitForItem(ctx context.Context) bool {
	for {
		if _, ok := q.peek(); ok {
			return true
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return false
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return false
		}
	}
}

func (q *QueueAgent[T]) peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Close marks the queue closed; subsequent Enqueue calls fail.
func (q *QueueAgent[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	notify(q.notify)
}

// notify performs a non-blocking send on a single-slot wakeup channel,
// collapsing redundant wakeups instead of blocking the caller. q.notify is
// never closed, so unlike a general-purpose try-send helper this needs no
// recover from a send-on-closed-channel panic.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
