package pool

import (
	"runtime"
	"time"
)

// Config sizes the pool. Zero values take the defaults applied by withDefaults.
type Config struct {
	Name string

	// MinThreads workers are started at construction and never retire on idleness.
	MinThreads int
	// MaxThreads bounds growth. It is raised to MinThreads if lower.
	MaxThreads int
	// MaxIdleTime is how long a surplus worker waits for work before retiring.
	MaxIdleTime time.Duration

	QueueCapacity int
}

const (
	defaultMaxIdleTime   = 5 * time.Minute
	defaultQueueCapacity = 4096
)

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "pool"
	}
	if c.MinThreads < 0 {
		c.MinThreads = 0
	}
	if c.MinThreads == 0 && c.MaxThreads == 0 {
		c.MinThreads = 1
	}
	if c.MaxThreads <= 0 {
		c.MaxThreads = max(c.MinThreads, 2*runtime.NumCPU())
	}
	if c.MaxThreads < c.MinThreads {
		c.MaxThreads = c.MinThreads
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = defaultMaxIdleTime
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	return c
}

type task struct {
	name string
	run  func()
}

// Snapshot is a point-in-time view for diagnostics and metrics.
type Snapshot struct {
	Name        string        `json:"name"`
	Threads     int           `json:"threads"`
	Idle        int           `json:"idle"`
	Freeing     int           `json:"freeing"`
	Queued      int           `json:"queued"`
	QueueCap    int           `json:"queue_cap"`
	MinThreads  int           `json:"min_threads"`
	MaxThreads  int           `json:"max_threads"`
	MaxIdleTime time.Duration `json:"max_idle_time"`
	Stopping    bool          `json:"stopping"`

	Executed uint64 `json:"executed"`
	Panicked uint64 `json:"panicked"`
	Rejected uint64 `json:"rejected"`
	Spawned  uint64 `json:"spawned"`
	Retired  uint64 `json:"retired"`
}
