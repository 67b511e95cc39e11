package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/robfig/cron/v3"

	"hostwatch/internal/module"
	"hostwatch/internal/output"
	"hostwatch/internal/task/pool"
	logx "hostwatch/pkg/logx"
)

type Option func(*Service)

// WithClock replaces the real clock used for window checks and run timing.
func WithClock(c timeutil.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// Service owns the schedule items and the cron driver that ticks them.
type Service struct {
	cfg   Config
	log   logx.Logger
	clock timeutil.Clock
	loc   *time.Location

	pool *pool.Pool
	out  output.ChannelManager

	mu    sync.Mutex
	items map[string]*ScheduleItem // GUARDED_BY(mu)
	c     *cron.Cron               // GUARDED_BY(mu)

	// Dispatch/send error throttling: key is mid.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, p *pool.Pool, out output.ChannelManager, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "scheduler")),
		clock:    timeutil.RealClock(),
		pool:     p,
		out:      out,
		items:    map[string]*ScheduleItem{},
		lastWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.loc = loadLocation(s.cfg.Timezone, s.log)
	return s
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Add creates and registers an item for cfg. It fails if the mid is taken.
func (s *Service) Add(cfg ModuleConfig, m module.Module) error {
	s.mu.Lock()
	_, dup := s.items[cfg.MID]
	s.mu.Unlock()
	if dup {
		return fmt.Errorf("%w: %s", ErrDuplicateItem, cfg.MID)
	}

	it, err := s.CreateItem(cfg, m, s.clock.Now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.items[cfg.MID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateItem, cfg.MID)
	}
	s.items[cfg.MID] = it
	if s.c != nil {
		s.scheduleLocked(it)
	}
	s.log.Debug("item added",
		logx.String("mid", cfg.MID),
		logx.String("name", cfg.Name),
		logx.Duration("interval", cfg.Interval),
		logx.Duration("initial_delay", it.initialDelay),
		logx.Duration("max_exec", it.maxExecDuration),
	)
	return nil
}

// Remove unschedules mid. A run already in flight finishes normally.
func (s *Service) Remove(mid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[mid]
	if !ok {
		return false
	}
	if s.c != nil && it.entryID != 0 {
		s.c.Remove(it.entryID)
	}
	delete(s.items, mid)
	s.forgetWarnings(mid)
	s.log.Debug("item removed", logx.String("mid", mid))
	return true
}

// Replace swaps the item for cfg.MID with a freshly created one. The old item
// stays scheduled if the new module cannot be initialized.
func (s *Service) Replace(cfg ModuleConfig, m module.Module) error {
	it, err := s.CreateItem(cfg, m, s.clock.Now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.items[cfg.MID]; ok && s.c != nil && old.entryID != 0 {
		s.c.Remove(old.entryID)
	}
	s.items[cfg.MID] = it
	if s.c != nil {
		s.scheduleLocked(it)
	}
	s.forgetWarnings(cfg.MID)
	s.log.Debug("item replaced", logx.String("mid", cfg.MID))
	return nil
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Item returns the registered item for mid.
func (s *Service) Item(mid string) (*ScheduleItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[mid]
	return it, ok
}

// Start begins ticking every registered item. Ticking halts when ctx is done
// or Stop is called, whichever comes first.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	c := cron.New(cron.WithLocation(s.loc))
	s.c = c
	for _, it := range s.items {
		s.scheduleLocked(it)
	}
	c.Start()
	if ctx != nil {
		context.AfterFunc(ctx, func() {
			if s.takeDriver(c) != nil {
				c.Stop()
				s.log.Info("service stopped", logx.String("reason", "context done"))
			}
		})
	}
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("items", len(s.items)))
}

// Stop halts ticking. Runs already handed to the pool are left to the pool.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	c := s.takeDriver(nil)
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// takeDriver detaches the running cron driver. A non-nil want only matches
// that exact driver, so a stale context cannot stop a later Start.
func (s *Service) takeDriver(want *cron.Cron) *cron.Cron {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.c
	if c == nil || (want != nil && c != want) {
		return nil
	}
	s.c = nil
	for _, it := range s.items {
		it.entryID = 0
	}
	return c
}

func (s *Service) scheduleLocked(it *ScheduleItem) {
	sched := newItemSchedule(it.firstRun, it.cfg.Interval)
	it.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.dispatch(it) }))
}

// dispatch hands one tick to the pool. A tick for an item whose previous run
// is still queued or running is dropped.
func (s *Service) dispatch(it *ScheduleItem) {
	if !it.inflight.CompareAndSwap(false, true) {
		it.busySkipCount.Add(1)
		s.log.Debug("tick skipped; previous run in flight", logx.String("mid", it.cfg.MID))
		return
	}

	var ran atomic.Bool
	fut := pool.SubmitTimeout(s.pool, "module."+it.cfg.MID, s.cfg.DispatchTimeout, func() (Outcome, error) {
		ran.Store(true)
		defer it.inflight.Store(false)
		return s.RunOnce(it), nil
	})
	if err := fut.Err(); err != nil && !ran.Load() {
		it.inflight.Store(false)
		s.reportDispatchError(it.cfg.MID, err)
	}
}
