package output

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	rtsup "hostwatch/internal/runtime/supervisor"
	"hostwatch/internal/syncq"
	logx "hostwatch/pkg/logx"
)

const (
	defaultBuffer     = 256
	writeTimeout      = 10 * time.Second
	warnThrottleEvery = 30 * time.Second
)

// Manager routes results to named channels. Every channel has its own
// discard-oldest buffer and writer goroutine, so a slow sink never blocks
// the scheduler and never delays the other sinks.
type Manager struct {
	log logx.Logger
	sup *rtsup.Supervisor

	mu       sync.RWMutex
	channels map[string]*routed
	order    []string
	def      string
	closed   bool

	unrouted atomic.Uint64
	writers  sync.WaitGroup

	warnUnrouted rate.Sometimes
}

type routed struct {
	ch     Channel
	driver string
	status bool
	queue  *syncq.DiscardingQueue[Result]

	sent   atomic.Uint64
	failed atomic.Uint64

	warnFail rate.Sometimes
}

type ManagerOption func(*Manager)

func WithLogger(log logx.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithSupervisor runs channel writers under sup instead of a private supervisor.
func WithSupervisor(sup *rtsup.Supervisor) ManagerOption {
	return func(m *Manager) { m.sup = sup }
}

// NewManager opens every configured channel. The channel named "default",
// or else the first one, receives results that name no outputs.
func NewManager(cfgs []Config, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		channels:     make(map[string]*routed, len(cfgs)),
		warnUnrouted: rate.Sometimes{Interval: warnThrottleEvery},
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.String("comp", "output"))
	if m.sup == nil {
		m.sup = rtsup.New(context.Background(), rtsup.WithLogger(m.log))
	}

	for _, cfg := range cfgs {
		key := strings.TrimSpace(cfg.Name)
		if _, dup := m.channels[key]; dup {
			m.closeOpened()
			return nil, fmt.Errorf("duplicate output %q", key)
		}
		ch, err := Open(cfg, m.log)
		if err != nil {
			m.closeOpened()
			return nil, fmt.Errorf("open output %q: %w", cfg.Name, err)
		}
		buf := cfg.Buffer
		if buf <= 0 {
			buf = defaultBuffer
		}
		r := &routed{
			ch:       ch,
			driver:   normalizeDriver(cfg.Driver),
			status:   cfg.Status,
			queue:    syncq.NewDiscarding[Result](buf),
			warnFail: rate.Sometimes{Interval: warnThrottleEvery},
		}
		m.channels[key] = r
		m.order = append(m.order, key)
		if key == "default" || m.def == "" {
			m.def = key
		}
	}

	for _, name := range m.order {
		r := m.channels[name]
		m.writers.Add(1)
		m.sup.Go0("output."+name, func(context.Context) {
			defer m.writers.Done()
			m.drain(r)
		})
	}
	return m, nil
}

func (m *Manager) closeOpened() {
	for _, r := range m.channels {
		_ = r.ch.Close()
	}
}

// SendResult enqueues one result for every target channel. It never blocks:
// a full channel buffer drops its oldest pending result.
func (m *Manager) SendResult(module string, ts time.Time, exitCode int, payload []byte, outputs []string, reportStatus bool, mid string) error {
	r := Result{
		RunID:        uuid.NewString(),
		Module:       module,
		MID:          mid,
		Timestamp:    ts,
		ExitCode:     exitCode,
		Payload:      payload,
		Outputs:      outputs,
		ReportStatus: reportStatus,
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	targets := m.targetsLocked(outputs, reportStatus)
	if len(targets) == 0 {
		m.unrouted.Add(1)
		m.warnUnrouted.Do(func() {
			m.log.Warn("result has no output channel",
				logx.String("mid", mid),
				logx.Strings("outputs", outputs),
				logx.Uint64("unrouted_total", m.unrouted.Load()),
			)
		})
		return fmt.Errorf("%w: mid=%s outputs=%v", ErrNoChannel, mid, outputs)
	}
	for _, t := range targets {
		t.queue.Push(r, syncq.NoWait)
	}
	return nil
}

func (m *Manager) targetsLocked(outputs []string, reportStatus bool) []*routed {
	seen := make(map[*routed]struct{}, len(outputs)+1)
	var out []*routed
	add := func(r *routed) {
		if r == nil {
			return
		}
		if _, ok := seen[r]; ok {
			return
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}

	if len(outputs) == 0 {
		add(m.channels[m.def])
	}
	for _, name := range outputs {
		add(m.channels[strings.TrimSpace(name)])
	}
	if reportStatus {
		for _, name := range m.order {
			if r := m.channels[name]; r.status {
				add(r)
			}
		}
	}
	return out
}

func (m *Manager) drain(r *routed) {
	for {
		res, err := r.queue.PopContext(context.Background())
		if err != nil {
			// Closed and drained.
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		werr := r.ch.Write(ctx, res)
		cancel()
		if werr != nil {
			r.failed.Add(1)
			r.warnFail.Do(func() {
				m.log.Warn("output write failed",
					logx.String("output", r.ch.Name()),
					logx.String("mid", res.MID),
					logx.Uint64("failed_total", r.failed.Load()),
					logx.Err(werr),
				)
			})
			continue
		}
		r.sent.Add(1)
	}
}

// Close stops accepting results, flushes what is buffered, and closes every
// channel. ctx bounds the flush.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	chans := make([]*routed, 0, len(m.order))
	for _, name := range m.order {
		chans = append(chans, m.channels[name])
	}
	m.mu.Unlock()

	for _, r := range chans {
		r.queue.Close()
	}
	flushed := make(chan struct{})
	go func() {
		m.writers.Wait()
		close(flushed)
	}()

	var errs []error
	select {
	case <-flushed:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("flush outputs: %w", ctx.Err()))
	}
	for _, r := range chans {
		if err := r.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output %q: %w", r.ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Snapshot returns per-channel counters in configuration order.
func (m *Manager) Snapshot() []ChannelStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ChannelStats, 0, len(m.order))
	for _, name := range m.order {
		r := m.channels[name]
		out = append(out, ChannelStats{
			Name:      name,
			Driver:    r.driver,
			Queued:    r.queue.Count(),
			Sent:      r.sent.Load(),
			Failed:    r.failed.Load(),
			Discarded: r.queue.DiscardCount(),
		})
	}
	return out
}

// Unrouted counts results that matched no channel.
func (m *Manager) Unrouted() uint64 { return m.unrouted.Load() }

// Names lists channel names in configuration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}
