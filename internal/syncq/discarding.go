package syncq

import "time"

// DiscardingQueue never blocks producers. When full, the oldest item is
// evicted to make room and counted in DiscardCount.
type DiscardingQueue[T any] struct {
	core[T]

	discarded uint64 // GUARDED_BY(mu)
}

// NewDiscarding creates a discard-oldest queue. Capacities below 1 are clamped to 1.
func NewDiscarding[T any](capacity int) *DiscardingQueue[T] {
	q := &DiscardingQueue[T]{}
	q.init(capacity, false)
	return q
}

// Push ignores timeout; it only fails once the queue is closed.
func (q *DiscardingQueue[T]) Push(item T, _ time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.items.len() >= q.capacity {
		q.items.pop()
		q.discarded++
	}
	q.items.push(item)
	q.changed.Broadcast()
	return true
}

func (q *DiscardingQueue[T]) TryPush(item T) bool { return q.Push(item, NoWait) }

// DiscardCount is the number of items evicted since construction.
func (q *DiscardingQueue[T]) DiscardCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.discarded
}
