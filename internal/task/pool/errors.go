package pool

import "errors"

var (
	ErrStopped   = errors.New("worker pool stopped")
	ErrQueueFull = errors.New("worker pool queue full")

	// ErrGrowAfterStop is the panic value raised when Grow is called on a
	// stopped pool.
	ErrGrowAfterStop = errors.New("worker pool: grow after stop")

	// ErrTaskPanicked resolves the future of a task whose function panicked.
	ErrTaskPanicked = errors.New("task panicked")
)
