package syncq

import (
	"context"
	"time"
)

// BlockingQueue applies backpressure: Push waits for free capacity.
//
// A queue created with capacity 0 is a rendezvous queue. It holds at most one
// item, and a push returns only after a consumer has taken that exact item. The
// held item is reported by Overflow until then. If the push runs out of time
// first, the item is withdrawn and the push fails with no side effects.
type BlockingQueue[T any] struct {
	core[T]
}

// NewBlocking creates a blocking queue. Negative capacities are clamped to 1;
// zero requests a rendezvous queue.
func NewBlocking[T any](capacity int) *BlockingQueue[T] {
	q := &BlockingQueue[T]{}
	q.init(capacity, capacity == 0)
	return q
}

// LOCKS_REQUIRED(q.mu)
func (q *BlockingQueue[T]) hasRoomLocked() bool {
	return q.items.len() < q.capacity
}

func (q *BlockingQueue[T]) Push(item T, timeout time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.rendezvous && timeout == NoWait {
		return q.tryHandOffLocked(item)
	}

	d := newDeadline(timeout)
	ok := q.waitLocked(d, func() bool { return q.closed || q.hasRoomLocked() })
	if !ok || q.closed {
		return false
	}
	q.items.push(item)
	q.changed.Broadcast()
	if !q.rendezvous {
		return true
	}

	h := &handoff{}
	q.pending = h
	q.waitLocked(d, func() bool { return h.taken || q.closed })
	if h.taken {
		return true
	}
	if q.pending == h {
		// Timed out with the item still unconsumed: withdraw it.
		q.items.clear()
		q.pending = nil
		q.changed.Broadcast()
	}
	return false
}

// tryHandOffLocked places item on a rendezvous queue only when a consumer is
// already waiting to take it.
//
// LOCKS_REQUIRED(q.mu)
func (q *BlockingQueue[T]) tryHandOffLocked(item T) bool {
	if q.closed || q.poppers == 0 || !q.hasRoomLocked() {
		return false
	}
	q.items.push(item)
	q.pending = &handoff{}
	q.changed.Broadcast()
	return true
}

func (q *BlockingQueue[T]) TryPush(item T) bool { return q.Push(item, NoWait) }

// PushContext is Push bounded by ctx. It returns ErrClosed when the queue is
// closed before the item is accepted (or, for rendezvous, before it is taken).
func (q *BlockingQueue[T]) PushContext(ctx context.Context, item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.waitContextLocked(ctx, func() bool { return q.closed || q.hasRoomLocked() }); err != nil {
		return err
	}
	if q.closed {
		return ErrClosed
	}
	q.items.push(item)
	q.changed.Broadcast()
	if !q.rendezvous {
		return nil
	}

	h := &handoff{}
	q.pending = h
	err := q.waitContextLocked(ctx, func() bool { return h.taken || q.closed })
	if h.taken {
		return nil
	}
	if q.pending == h {
		q.items.clear()
		q.pending = nil
		q.changed.Broadcast()
	}
	if err != nil {
		return err
	}
	return ErrClosed
}

// Overflow reports how many items a rendezvous queue holds beyond its zero
// capacity (0 or 1). It is always 0 for bounded queues.
func (q *BlockingQueue[T]) Overflow() int {
	if !q.rendezvous {
		return 0
	}
	return q.Count()
}
