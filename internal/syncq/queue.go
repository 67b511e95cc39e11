// Package syncq provides bounded, thread-safe FIFO queues shared between
// producer and consumer goroutines.
//
// Two delivery policies implement Queue:
//   - BlockingQueue: producers wait for free capacity (backpressure). A zero
//     capacity request turns it into a rendezvous queue where a push also waits
//     for a consumer to take the item.
//   - DiscardingQueue: producers never wait; at capacity the oldest item is evicted.
//
// Timeouts follow one convention across the package: a positive duration bounds
// the wait, NoWait (0) returns immediately, and Forever (any negative value)
// blocks until the condition holds or the queue is closed.
package syncq

import (
	"errors"
	"time"
)

const (
	NoWait  time.Duration = 0
	Forever time.Duration = -1
)

// ErrClosed is returned by the context-bound operations once the queue is
// closed (push) or closed and drained (pop).
var ErrClosed = errors.New("syncq: queue closed")

// Queue is the common surface of both policies.
type Queue[T any] interface {
	// Push enqueues item. It reports false when the queue is closed or the
	// item could not be placed within timeout.
	Push(item T, timeout time.Duration) bool
	TryPush(item T) bool

	// Pop dequeues the oldest item. After Close, Pop keeps returning items
	// until the queue is empty and then reports false.
	Pop(timeout time.Duration) (T, bool)
	TryPop() (T, bool)

	// Close is idempotent and irreversible; it wakes every waiter.
	Close()

	Count() int
	Capacity() int
	IsClosed() bool
}

var (
	_ Queue[int] = (*BlockingQueue[int])(nil)
	_ Queue[int] = (*DiscardingQueue[int])(nil)
)

// deadline captures a timeout at the moment an operation starts so that
// multi-phase waits (rendezvous) share one budget.
type deadline struct {
	forever bool
	at      time.Time
}

func newDeadline(timeout time.Duration) deadline {
	if timeout < 0 {
		return deadline{forever: true}
	}
	return deadline{at: time.Now().Add(timeout)}
}

func (d deadline) remaining() time.Duration {
	if d.forever {
		return Forever
	}
	r := time.Until(d.at)
	if r < 0 {
		return 0
	}
	return r
}

func (d deadline) expired() bool {
	return !d.forever && !time.Now().Before(d.at)
}
