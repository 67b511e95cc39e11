package syncq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/syncutil"
)

// core holds the state and consumer side shared by both policies.
type core[T any] struct {
	// GUARDED_BY(mu) for every field below except capacity and rendezvous.
	mu      syncutil.InvariantMutex
	changed *sync.Cond

	items fifo[T]

	// capacity is the effective bound (1 for a rendezvous queue).
	capacity   int
	rendezvous bool
	closed     bool

	// pending is the handoff of a rendezvous push awaiting a consumer.
	pending *handoff

	// Number of consumers currently blocked in a pop.
	poppers int
}

type handoff struct {
	taken bool
}

func (c *core[T]) init(capacity int, rendezvous bool) {
	if capacity < 1 {
		capacity = 1
	}
	c.capacity = capacity
	c.rendezvous = rendezvous
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	c.changed = sync.NewCond(&c.mu)
}

// LOCKS_REQUIRED(c.mu)
func (c *core[T]) checkInvariants() {
	n := c.items.len()
	if n > c.capacity {
		panic(fmt.Sprintf("syncq: %d items exceed capacity %d", n, c.capacity))
	}
	if c.pending != nil {
		if !c.rendezvous {
			panic("syncq: pending handoff on a non-rendezvous queue")
		}
		if n != 1 {
			panic(fmt.Sprintf("syncq: pending handoff with %d items", n))
		}
	}
	if c.rendezvous && c.closed && n != 0 {
		panic("syncq: closed rendezvous queue still holds an item")
	}
	if c.poppers < 0 {
		panic(fmt.Sprintf("syncq: negative waiting consumers %d", c.poppers))
	}
}

// wake broadcasts under the lock. Timer and context callbacks use it to
// unblock waiters whose budget ran out.
func (c *core[T]) wake() {
	c.mu.Lock()
	c.changed.Broadcast()
	c.mu.Unlock()
}

// waitLocked blocks until ready reports true or d expires. It returns ready's
// final verdict.
//
// LOCKS_REQUIRED(c.mu)
func (c *core[T]) waitLocked(d deadline, ready func() bool) bool {
	if ready() {
		return true
	}
	if d.expired() {
		return false
	}
	if !d.forever {
		t := time.AfterFunc(d.remaining(), c.wake)
		defer t.Stop()
	}
	for !ready() {
		if d.expired() {
			return false
		}
		c.changed.Wait()
	}
	return true
}

// waitContextLocked is waitLocked bounded by ctx instead of a deadline.
//
// LOCKS_REQUIRED(c.mu)
func (c *core[T]) waitContextLocked(ctx context.Context, ready func() bool) error {
	if ready() {
		return nil
	}
	stop := context.AfterFunc(ctx, c.wake)
	defer stop()
	for !ready() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.changed.Wait()
	}
	return nil
}

// LOCKS_REQUIRED(c.mu)
func (c *core[T]) popLocked() T {
	v := c.items.pop()
	if c.pending != nil {
		c.pending.taken = true
		c.pending = nil
	}
	c.changed.Broadcast()
	return v
}

// LOCKS_REQUIRED(c.mu)
func (c *core[T]) readyToPopLocked() bool {
	return c.items.len() > 0 || c.closed
}

func (c *core[T]) Pop(timeout time.Duration) (T, bool) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()

	c.poppers++
	ok := c.waitLocked(newDeadline(timeout), c.readyToPopLocked)
	c.poppers--
	if !ok || c.items.len() == 0 {
		return zero, false
	}
	return c.popLocked(), true
}

func (c *core[T]) TryPop() (T, bool) { return c.Pop(NoWait) }

// PopContext is Pop bounded by ctx. It returns ErrClosed once the queue is
// closed and drained.
func (c *core[T]) PopContext(ctx context.Context) (T, error) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()

	c.poppers++
	err := c.waitContextLocked(ctx, c.readyToPopLocked)
	c.poppers--
	if err != nil {
		return zero, err
	}
	if c.items.len() == 0 {
		return zero, ErrClosed
	}
	return c.popLocked(), nil
}

func (c *core[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.rendezvous {
		// Nobody took the overflow item; the pusher will report failure.
		c.items.clear()
		c.pending = nil
	}
	c.changed.Broadcast()
}

func (c *core[T]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.len()
}

func (c *core[T]) Capacity() int {
	if c.rendezvous {
		return 0
	}
	return c.capacity
}

func (c *core[T]) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
