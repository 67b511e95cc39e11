package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	rtsup "hostwatch/internal/runtime/supervisor"
	"hostwatch/internal/syncq"
	logx "hostwatch/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Supervisor runs task bodies without letting panics escape and starts
// worker goroutines. *supervisor.Supervisor satisfies it.
type Supervisor interface {
	Supervise(name string, fn func()) error
	Spawn(name string, fn func()) error
}

type Option func(*Pool)

func WithLogger(log logx.Logger) Option {
	return func(p *Pool) { p.log = log }
}

func WithSupervisor(s Supervisor) Option {
	return func(p *Pool) { p.sup = s }
}

// Pool is a dynamically sized set of workers draining one blocking queue.
//
// It starts MinThreads workers, grows by one whenever a submission leaves more
// queued tasks than idle workers, and lets surplus workers retire after
// MaxIdleTime without work. Stop closes the queue; queued tasks still drain.
// Join waits for every worker to exit.
type Pool struct {
	cfg Config
	log logx.Logger
	sup Supervisor

	queue *syncq.BlockingQueue[task]

	mu       sync.Mutex
	live     map[uint64]*worker // GUARDED_BY(mu)
	freeing  map[uint64]*worker // GUARDED_BY(mu)
	nextID   uint64             // GUARDED_BY(mu)
	stopping bool               // GUARDED_BY(mu)

	empty     chan struct{}
	emptyOnce sync.Once
	reap      chan *worker

	idle atomic.Int32

	executed atomic.Uint64
	panicked atomic.Uint64
	rejected atomic.Uint64
	spawned  atomic.Uint64
	retired  atomic.Uint64

	warnFull rate.Sometimes
}

// New builds the pool and starts MinThreads workers.
func New(cfg Config, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:      cfg,
		queue:    syncq.NewBlocking[task](cfg.QueueCapacity),
		live:     map[uint64]*worker{},
		freeing:  map[uint64]*worker{},
		empty:    make(chan struct{}),
		reap:     make(chan *worker),
		warnFull: rate.Sometimes{Interval: warnThrottleEvery},
	}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("comp", "pool"), logx.String("pool", cfg.Name))
	if p.sup == nil {
		p.sup = rtsup.New(context.Background(), rtsup.WithLogger(p.log))
	}

	go p.reaper()

	p.mu.Lock()
	n := p.growLocked(cfg.MinThreads)
	p.mu.Unlock()

	p.log.Info("pool started",
		logx.Int("threads", n),
		logx.Int("min", cfg.MinThreads),
		logx.Int("max", cfg.MaxThreads),
		logx.Duration("max_idle", cfg.MaxIdleTime),
		logx.Int("queue", cfg.QueueCapacity),
	)
	return p
}

// Submit queues fn, waiting as long as needed for room. The returned future
// fails with ErrStopped if the pool is (or becomes) stopped before fn is queued.
func Submit[R any](p *Pool, name string, fn func() (R, error)) *Future[R] {
	return SubmitTimeout(p, name, syncq.Forever, fn)
}

// SubmitTimeout is Submit with a bounded wait for queue room. It fails with
// ErrQueueFull when no room frees up within timeout.
func SubmitTimeout[R any](p *Pool, name string, timeout time.Duration, fn func() (R, error)) *Future[R] {
	if fn == nil {
		return failedFuture[R](fmt.Errorf("task %q: nil function", name))
	}
	f := newFuture[R]()
	run := func() {
		completed := false
		defer func() {
			if !completed {
				f.resolve(*new(R), fmt.Errorf("%s: %w", name, ErrTaskPanicked))
			}
		}()
		v, err := fn()
		completed = true
		f.resolve(v, err)
	}
	if err := p.enqueue(name, timeout, run); err != nil {
		return failedFuture[R](err)
	}
	return f
}

// Post queues a fire-and-forget task, waiting as long as needed for room.
func (p *Pool) Post(name string, fn func()) error {
	return p.PostTimeout(name, syncq.Forever, fn)
}

func (p *Pool) PostTimeout(name string, timeout time.Duration, fn func()) error {
	if fn == nil {
		return fmt.Errorf("task %q: nil function", name)
	}
	return p.enqueue(name, timeout, fn)
}

func (p *Pool) enqueue(name string, timeout time.Duration, run func()) error {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "task"
	}
	if p.isStopping() {
		p.rejected.Add(1)
		return ErrStopped
	}

	t := task{name: name, run: run}
	if !p.queue.TryPush(t) {
		p.onQueueFull(name)
		if timeout == syncq.NoWait || !p.queue.Push(t, timeout) {
			p.rejected.Add(1)
			if p.queue.IsClosed() {
				return ErrStopped
			}
			return ErrQueueFull
		}
	}

	if p.queue.Count() > int(p.idle.Load()) {
		p.mu.Lock()
		if !p.stopping {
			p.growLocked(1)
		}
		p.mu.Unlock()
	}
	return nil
}

func (p *Pool) onQueueFull(name string) {
	p.warnFull.Do(func() {
		p.log.Warn("pool queue full; submitter waiting",
			logx.String("task", name),
			logx.Int("threads", p.ThreadCount()),
			logx.Int("idle", p.IdleCount()),
			logx.Int("queued", p.queue.Count()),
			logx.Int("max", p.cfg.MaxThreads),
		)
	})
}

// Grow starts up to n more workers, bounded by MaxThreads, and reports how
// many were started. Calling it after Stop is a programming error and panics.
func (p *Pool) Grow(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		p.log.Error("grow called after stop", logx.Int("n", n))
		panic(ErrGrowAfterStop)
	}
	return p.growLocked(n)
}

// growLocked stops at the first spawn failure.
//
// LOCKS_REQUIRED(p.mu)
func (p *Pool) growLocked(n int) int {
	added := 0
	for added < n && len(p.live) < p.cfg.MaxThreads {
		w := &worker{id: p.nextID, done: make(chan struct{})}
		p.nextID++
		p.live[w.id] = w
		// One name per pool keeps supervisor stats bounded across grow/retire cycles.
		name := p.cfg.Name + ".worker"
		if err := p.sup.Spawn(name, func() { p.work(w) }); err != nil {
			delete(p.live, w.id)
			p.log.Error("worker spawn failed", logx.String("name", name), logx.Uint64("worker", w.id), logx.Int("threads", len(p.live)), logx.Err(err))
			break
		}
		p.spawned.Add(1)
		added++
	}
	if added > 0 {
		p.log.Debug("pool grew", logx.Int("added", added), logx.Int("threads", len(p.live)))
	}
	return added
}

// Stop closes the queue to new work. Queued tasks still run. Idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	p.signalIfEmptyLocked()
	p.mu.Unlock()

	p.queue.Close()
	p.log.Info("pool stopping", logx.Int("queued", p.queue.Count()))
}

// Join blocks until every worker has exited. Only meaningful after Stop.
func (p *Pool) Join() {
	<-p.empty
}

// JoinContext is Join bounded by ctx.
func (p *Pool) JoinContext(ctx context.Context) error {
	select {
	case <-p.empty:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

func (p *Pool) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

func (p *Pool) IdleCount() int  { return int(p.idle.Load()) }
func (p *Pool) TaskCount() int  { return p.queue.Count() }
func (p *Pool) MinThreads() int { return p.cfg.MinThreads }
func (p *Pool) MaxThreads() int { return p.cfg.MaxThreads }

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	threads := len(p.live)
	freeing := len(p.freeing)
	stopping := p.stopping
	p.mu.Unlock()

	return Snapshot{
		Name:        p.cfg.Name,
		Threads:     threads,
		Idle:        p.IdleCount(),
		Freeing:     freeing,
		Queued:      p.queue.Count(),
		QueueCap:    p.queue.Capacity(),
		MinThreads:  p.cfg.MinThreads,
		MaxThreads:  p.cfg.MaxThreads,
		MaxIdleTime: p.cfg.MaxIdleTime,
		Stopping:    stopping,
		Executed:    p.executed.Load(),
		Panicked:    p.panicked.Load(),
		Rejected:    p.rejected.Load(),
		Spawned:     p.spawned.Load(),
		Retired:     p.retired.Load(),
	}
}
