package pool

import (
	"context"
	"sync"
)

// Future is the eventual result of a submitted task.
type Future[R any] struct {
	done chan struct{}
	once sync.Once

	val R
	err error
}

func newFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

func failedFuture[R any](err error) *Future[R] {
	f := newFuture[R]()
	f.resolve(*new(R), err)
	return f
}

// resolve is first-writer-wins.
func (f *Future[R]) resolve(v R, err error) {
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future[R]) Done() <-chan struct{} { return f.done }

// Wait blocks until the task has finished or was rejected.
func (f *Future[R]) Wait() (R, error) {
	<-f.done
	return f.val, f.err
}

// Get is Wait bounded by ctx.
func (f *Future[R]) Get(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Err returns the task error, or nil while the task is still pending.
func (f *Future[R]) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}
