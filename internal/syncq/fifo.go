package syncq

type node[T any] struct {
	value T
	next  *node[T]
}

// fifo is an unsynchronized singly linked queue. Callers provide locking.
type fifo[T any] struct {
	start, end *node[T]
	size       int
}

func (f *fifo[T]) len() int { return f.size }

func (f *fifo[T]) push(v T) {
	n := &node[T]{value: v}
	if f.size == 0 {
		f.start = n
		f.end = n
	} else {
		f.end.next = n
		f.end = n
	}
	f.size++
}

// pop removes the front item. The zero value is returned for an empty fifo.
func (f *fifo[T]) pop() T {
	var zero T
	if f.size == 0 {
		return zero
	}
	n := f.start
	f.start = n.next
	if f.start == nil {
		f.end = nil
	}
	f.size--
	v := n.value
	n.value = zero
	n.next = nil
	return v
}

func (f *fifo[T]) clear() {
	f.start = nil
	f.end = nil
	f.size = 0
}
