package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostwatch/internal/module"
	"hostwatch/internal/task/pool"
	logx "hostwatch/pkg/logx"
)

type fakeModule struct {
	clock   *timeutil.SimulatedClock
	cost    time.Duration
	code    int
	payload []byte
	panics  bool
	initErr error

	inits atomic.Int32
	freed atomic.Int32
}

func (m *fakeModule) Init() error {
	m.inits.Add(1)
	return m.initErr
}

func (m *fakeModule) Collect(out *[]byte) int {
	if m.clock != nil {
		m.clock.AdvanceTime(m.cost)
	}
	if m.panics {
		panic("collector blew up")
	}
	if len(m.payload) > 0 {
		*out = append([]byte(nil), m.payload...)
		return len(m.payload)
	}
	return m.code
}

func (m *fakeModule) FreeCollectBuffer(buf []byte) {
	m.freed.Add(1)
	for i := range buf {
		buf[i] = 0
	}
}

type sent struct {
	module       string
	ts           time.Time
	payload      []byte
	outputs      []string
	reportStatus bool
	mid          string
}

type recorder struct {
	mu   sync.Mutex
	got  []sent
	fail error
}

func (r *recorder) SendResult(module string, ts time.Time, exitCode int, payload []byte, outputs []string, reportStatus bool, mid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, sent{module: module, ts: ts, payload: payload, outputs: outputs, reportStatus: reportStatus, mid: mid})
	return r.fail
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func newSimClock() *timeutil.SimulatedClock {
	c := &timeutil.SimulatedClock{}
	c.SetTime(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	return c
}

func newTestService(cfg Config, clock *timeutil.SimulatedClock, out *recorder) *Service {
	cfg.Timezone = "UTC"
	return New(cfg, nil, out, logx.Nop(), WithClock(clock))
}

func TestCreateItem(t *testing.T) {
	clock := newSimClock()
	s := newTestService(Config{}, clock, &recorder{})

	_, err := s.CreateItem(ModuleConfig{MID: "z", Interval: 0}, &fakeModule{}, clock.Now())
	assert.ErrorIs(t, err, ErrZeroInterval)

	boom := errors.New("no such device")
	_, err = s.CreateItem(ModuleConfig{MID: "bad", Interval: time.Second}, &fakeModule{initErr: boom}, clock.Now())
	assert.ErrorIs(t, err, boom)

	m := &fakeModule{}
	it, err := s.CreateItem(ModuleConfig{MID: "ok", Interval: 300 * time.Millisecond}, m, clock.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.inits.Load())
	assert.Equal(t, 100*time.Millisecond, it.MaxExecDuration())
	assert.GreaterOrEqual(t, it.InitialDelay(), time.Duration(0))
	assert.Less(t, it.InitialDelay(), 300*time.Millisecond)
	assert.Equal(t, clock.Now().Add(it.InitialDelay()), it.FirstRun())
}

func TestCreateItemResetsDelayOutsideWindow(t *testing.T) {
	clock := newSimClock()
	s := newTestService(Config{}, clock, &recorder{})
	now := clock.Now()

	onlyNow := module.WindowFunc(func(t time.Time) bool { return !t.After(now) })
	it, err := s.CreateItem(ModuleConfig{MID: "w", Interval: time.Hour, Window: onlyNow}, &fakeModule{}, now)
	require.NoError(t, err)
	assert.Zero(t, it.InitialDelay())
	assert.Equal(t, now, it.FirstRun())
}

func TestInitialJitter(t *testing.T) {
	const interval = 10 * time.Second
	a := initialJitter("cpu-1", interval, 1)
	assert.Equal(t, a, initialJitter("cpu-1", interval, 1))
	assert.Less(t, a, interval)

	half := initialJitter("cpu-1", interval, 0.5)
	assert.Less(t, half, interval/2)

	distinct := map[time.Duration]struct{}{}
	for _, mid := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		distinct[initialJitter(mid, interval, 1)] = struct{}{}
	}
	assert.Greater(t, len(distinct), 1, "same-interval items must not share a phase")

	assert.Zero(t, initialJitter("x", 0, 1))
}

func TestItemSchedulePhaseLocked(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := base.Add(2 * time.Second)
	s := newItemSchedule(first, 5*time.Second)

	assert.Equal(t, first, s.Next(base))
	assert.Equal(t, first.Add(5*time.Second), s.Next(first))
	// A late tick snaps to the grid instead of drifting.
	assert.Equal(t, first.Add(10*time.Second), s.Next(first.Add(7*time.Second)))

	due := newItemSchedule(base, time.Second)
	late := base.Add(300 * time.Millisecond)
	assert.Equal(t, late, due.Next(late), "an already due item fires immediately")
	assert.Equal(t, base.Add(time.Second), due.Next(late))
}

func TestRunOnceOutcomes(t *testing.T) {
	clock := newSimClock()
	out := &recorder{}
	s := newTestService(Config{}, clock, out)

	mk := func(mid string, m *fakeModule) *ScheduleItem {
		it, err := s.CreateItem(ModuleConfig{
			MID:          mid,
			Name:         "mod-" + mid,
			Interval:     time.Minute,
			Outputs:      []string{"main"},
			ReportStatus: true,
		}, m, clock.Now())
		require.NoError(t, err)
		return it
	}

	collected := &fakeModule{payload: []byte(`{"v":1}`)}
	it := mk("c", collected)
	assert.Equal(t, OutcomeCollected, s.RunOnce(it))
	require.Equal(t, 1, out.count())
	got := out.got[0]
	assert.Equal(t, "mod-c", got.module)
	assert.Equal(t, "c", got.mid)
	assert.Equal(t, []string{"main"}, got.outputs)
	assert.True(t, got.reportStatus)
	assert.Equal(t, clock.Now(), got.ts)
	// The payload is copied before the module reclaims its buffer.
	assert.Equal(t, `{"v":1}`, string(got.payload))
	assert.EqualValues(t, 1, collected.freed.Load())

	nodata := mk("n", &fakeModule{code: 0})
	assert.Equal(t, OutcomeNoData, s.RunOnce(nodata))
	assert.EqualValues(t, 1, nodata.RunTimes())

	failing := mk("e", &fakeModule{code: -2})
	assert.Equal(t, OutcomeCollectError, s.RunOnce(failing))
	assert.EqualValues(t, 1, failing.ErrorCount())

	panicky := mk("p", &fakeModule{panics: true})
	assert.Equal(t, OutcomeCollectError, s.RunOnce(panicky))
	assert.EqualValues(t, 1, panicky.ErrorCount())
	assert.EqualValues(t, 1, panicky.RunTimes())

	assert.Equal(t, 1, out.count(), "only collected runs are forwarded")
}

func TestRunOnceOutOfWindowHasNoSideEffects(t *testing.T) {
	clock := newSimClock()
	out := &recorder{}
	s := newTestService(Config{}, clock, out)

	m := &fakeModule{payload: []byte("x")}
	it, err := s.CreateItem(ModuleConfig{MID: "w", Interval: time.Minute, Window: module.WindowFunc(func(time.Time) bool { return false })}, m, clock.Now())
	require.NoError(t, err)

	assert.Equal(t, OutcomeOutOfWindow, s.RunOnce(it))
	assert.Zero(t, it.RunTimes())
	assert.Zero(t, it.SkipCount())
	assert.Zero(t, m.freed.Load())
	assert.Zero(t, out.count())

	st := s.GetStatus()
	assert.Empty(t, st.Items, "CreateItem does not register")
}

// Interval 300ms with ratio 3 gives a 100ms budget. Three consecutive 150ms
// runs trip the throttle: ceil(150/100)+1 = 3 skipped ticks.
func TestAdaptiveThrottle(t *testing.T) {
	clock := newSimClock()
	s := newTestService(Config{ExecuteRatio: 3, ContinueExceedCount: 3}, clock, &recorder{})

	m := &fakeModule{clock: clock, cost: 150 * time.Millisecond, payload: []byte("{}")}
	it, err := s.CreateItem(ModuleConfig{MID: "slow", Interval: 300 * time.Millisecond}, m, clock.Now())
	require.NoError(t, err)
	require.Equal(t, 100*time.Millisecond, it.MaxExecDuration())

	for i := 1; i <= 2; i++ {
		assert.Equal(t, OutcomeCollected, s.RunOnce(it))
		assert.Equal(t, i, it.ContinueExceedTimes())
		assert.Zero(t, it.ExceedSkipTimes())
	}
	assert.Equal(t, OutcomeCollected, s.RunOnce(it))
	assert.Equal(t, 3, it.ExceedSkipTimes())
	assert.Zero(t, it.ContinueExceedTimes())

	before := it.SkipCount()
	assert.Equal(t, OutcomeSkippedBackoff, s.RunOnce(it))
	assert.Greater(t, it.SkipCount(), before)

	assert.Equal(t, OutcomeSkippedBackoff, s.RunOnce(it))
	assert.Equal(t, OutcomeSkippedBackoff, s.RunOnce(it))
	assert.Equal(t, OutcomeCollected, s.RunOnce(it))
	assert.EqualValues(t, 4, it.RunTimes())
	assert.EqualValues(t, 3, it.SkipCount())

	st := s.statusLocked(it, nil)
	assert.Equal(t, 150*time.Millisecond, st.LastExecDuration)
	assert.Equal(t, "collected", st.LastOutcome)
}

func TestAfterRun(t *testing.T) {
	clock := newSimClock()
	s := newTestService(Config{ExecuteRatio: 4, ContinueExceedCount: 2}, clock, &recorder{})
	it, err := s.CreateItem(ModuleConfig{MID: "a", Interval: 400 * time.Millisecond}, &fakeModule{}, clock.Now())
	require.NoError(t, err)

	s.AfterRun(it, 150*time.Millisecond)
	assert.Equal(t, 1, it.ContinueExceedTimes())
	s.AfterRun(it, 50*time.Millisecond)
	assert.Zero(t, it.ContinueExceedTimes(), "a run within budget resets the streak")

	s.AfterRun(it, 150*time.Millisecond)
	s.AfterRun(it, 250*time.Millisecond)
	assert.Equal(t, 4, it.ExceedSkipTimes(), "ceil(250/100)+1")

	// Exactly on budget is not an overrun.
	s.AfterRun(it, 100*time.Millisecond)
	assert.Zero(t, it.ContinueExceedTimes())
}

func TestServiceAddRemoveReplace(t *testing.T) {
	clock := newSimClock()
	s := newTestService(Config{}, clock, &recorder{})

	cfg := ModuleConfig{MID: "m1", Name: "load", Type: "loadavg", Interval: time.Minute}
	require.NoError(t, s.Add(cfg, &fakeModule{}))
	assert.ErrorIs(t, s.Add(cfg, &fakeModule{}), ErrDuplicateItem)
	assert.ErrorIs(t, s.Add(ModuleConfig{MID: "m2"}, &fakeModule{}), ErrZeroInterval)
	assert.Equal(t, 1, s.Len())

	old, ok := s.Item("m1")
	require.True(t, ok)

	boom := errors.New("init failed")
	assert.ErrorIs(t, s.Replace(cfg, &fakeModule{initErr: boom}), boom)
	cur, _ := s.Item("m1")
	assert.Same(t, old, cur, "failed replace keeps the old item")

	cfg.Interval = 2 * time.Minute
	require.NoError(t, s.Replace(cfg, &fakeModule{}))
	cur, _ = s.Item("m1")
	assert.NotSame(t, old, cur)
	assert.Equal(t, 2*time.Minute, cur.Config().Interval)

	st := s.GetStatus("m1", "missing")
	require.Len(t, st.Items, 1)
	assert.Equal(t, "loadavg", st.Items[0].Type)
	assert.Equal(t, "none", st.Items[0].LastOutcome)
	assert.False(t, st.Started)

	assert.True(t, s.Remove("m1"))
	assert.False(t, s.Remove("m1"))
	assert.Zero(t, s.Len())
}

func TestDispatchSkipsBusyItem(t *testing.T) {
	p := pool.New(pool.Config{Name: "test", MinThreads: 1, MaxThreads: 1})
	defer func() {
		p.Stop()
		p.Join()
	}()

	s := New(Config{}, p, &recorder{}, logx.Nop())
	it, err := s.CreateItem(ModuleConfig{MID: "b", Interval: time.Minute}, &fakeModule{}, time.Now())
	require.NoError(t, err)

	it.inflight.Store(true)
	s.dispatch(it)
	assert.EqualValues(t, 1, it.busySkipCount.Load())
	assert.Zero(t, it.RunTimes())

	it.inflight.Store(false)
	s.dispatch(it)
	require.Eventually(t, func() bool { return it.RunTimes() == 1 && !it.inflight.Load() }, 2*time.Second, 5*time.Millisecond)
}

func TestDispatchOnStoppedPoolReleasesItem(t *testing.T) {
	p := pool.New(pool.Config{Name: "test", MinThreads: 1, MaxThreads: 1})
	p.Stop()
	p.Join()

	s := New(Config{}, p, &recorder{}, logx.Nop())
	it, err := s.CreateItem(ModuleConfig{MID: "s", Interval: time.Minute}, &fakeModule{}, time.Now())
	require.NoError(t, err)

	s.dispatch(it)
	assert.False(t, it.inflight.Load())
	assert.Zero(t, it.RunTimes())
}

func TestServiceTicksThroughPool(t *testing.T) {
	p := pool.New(pool.Config{Name: "test", MinThreads: 1, MaxThreads: 2})
	out := &recorder{}
	s := New(Config{JitterFactor: 0.1}, p, out, logx.Nop())

	require.NoError(t, s.Add(ModuleConfig{MID: "fast", Name: "fast", Interval: 50 * time.Millisecond}, &fakeModule{payload: []byte(`{}`)}))
	s.Start(context.Background())
	assert.True(t, s.GetStatus().Started)

	require.Eventually(t, func() bool { return out.count() >= 3 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	p.Stop()
	require.NoError(t, p.JoinContext(ctx))

	st := s.GetStatus("fast")
	require.Len(t, st.Items, 1)
	assert.GreaterOrEqual(t, st.Items[0].RunTimes, uint64(3))
	assert.False(t, st.Started)
}

func TestStartStopsWhenContextDone(t *testing.T) {
	p := pool.New(pool.Config{Name: "test", MinThreads: 1, MaxThreads: 1})
	defer func() {
		p.Stop()
		p.Join()
	}()
	s := New(Config{}, p, &recorder{}, logx.Nop())
	require.NoError(t, s.Add(ModuleConfig{MID: "m", Interval: time.Hour}, &fakeModule{}))

	first, cancelFirst := context.WithCancel(context.Background())
	s.Start(first)
	require.True(t, s.GetStatus().Started)

	cancelFirst()
	require.Eventually(t, func() bool { return !s.GetStatus().Started }, 2*time.Second, 5*time.Millisecond)
	it, _ := s.Item("m")
	assert.Zero(t, it.entryID)

	// A restart is not affected by the earlier context.
	second, cancelSecond := context.WithCancel(context.Background())
	defer cancelSecond()
	s.Start(second)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, s.GetStatus().Started)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.False(t, s.GetStatus().Started)
}

func TestRemoveAndReplaceForgetWarnings(t *testing.T) {
	s := newTestService(Config{}, newSimClock(), &recorder{})
	cfg := ModuleConfig{MID: "w", Interval: time.Minute}
	require.NoError(t, s.Add(cfg, &fakeModule{}))

	require.True(t, s.allowWarn("dispatch:w"))
	require.True(t, s.allowWarn("send:w"))
	require.True(t, s.allowWarn("send:other"))
	assert.False(t, s.allowWarn("send:w"), "throttled")

	require.NoError(t, s.Replace(cfg, &fakeModule{}))
	assert.True(t, s.allowWarn("send:w"), "replace resets the throttle")

	require.True(t, s.Remove("w"))
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	assert.NotContains(t, s.lastWarn, "dispatch:w")
	assert.NotContains(t, s.lastWarn, "send:w")
	assert.Contains(t, s.lastWarn, "send:other")
}

func TestNextRunAtOnlyWhileScheduled(t *testing.T) {
	p := pool.New(pool.Config{Name: "test", MinThreads: 1, MaxThreads: 1})
	defer func() {
		p.Stop()
		p.Join()
	}()
	s := New(Config{}, p, &recorder{}, logx.Nop())
	require.NoError(t, s.Add(ModuleConfig{MID: "n", Interval: time.Hour}, &fakeModule{}))

	st := s.GetStatus("n")
	require.Len(t, st.Items, 1)
	assert.True(t, st.Items[0].NextRunAt.IsZero(), "not started")

	s.Start(context.Background())
	st = s.GetStatus("n")
	require.Len(t, st.Items, 1)
	assert.False(t, st.Items[0].NextRunAt.IsZero())
	assert.True(t, st.Items[0].NextRunAt.After(time.Now().Add(-time.Second)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	st = s.GetStatus("n")
	assert.True(t, st.Items[0].NextRunAt.IsZero(), "stopped")
}
