package scheduler

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"hostwatch/internal/module"
)

var (
	ErrZeroInterval  = errors.New("schedule interval must be > 0")
	ErrDuplicateItem = errors.New("schedule item already exists")
	ErrUnknownItem   = errors.New("unknown schedule item")
)

const (
	defaultExecuteRatio        = 3
	defaultContinueExceedCount = 3
	defaultJitterFactor        = 1.0
	defaultDispatchTimeout     = time.Second
)

// Config controls throttling and dispatch for every item.
type Config struct {
	// ExecuteRatio derives the per-run budget: maxExecDuration = interval / ExecuteRatio.
	ExecuteRatio int
	// ContinueExceedCount is how many consecutive overruns are tolerated
	// before the item is throttled.
	ContinueExceedCount int
	// JitterFactor scales the initial spread window, in (0, 1].
	JitterFactor float64
	// DispatchTimeout bounds how long a tick waits for room in the pool queue.
	DispatchTimeout time.Duration
	Timezone        string // IANA TZ; empty means Local
}

func (c Config) withDefaults() Config {
	if c.ExecuteRatio <= 0 {
		c.ExecuteRatio = defaultExecuteRatio
	}
	if c.ContinueExceedCount <= 0 {
		c.ContinueExceedCount = defaultContinueExceedCount
	}
	if c.JitterFactor <= 0 || c.JitterFactor > 1 {
		c.JitterFactor = defaultJitterFactor
	}
	if c.DispatchTimeout == 0 {
		c.DispatchTimeout = defaultDispatchTimeout
	}
	return c
}

// ModuleConfig is the immutable part of one scheduled module instance.
type ModuleConfig struct {
	MID          string
	Name         string
	Type         string
	Interval     time.Duration
	Outputs      []string
	ReportStatus bool
	Window       module.Window // nil means always effective
}

// Outcome classifies a single RunOnce.
type Outcome int32

const (
	OutcomeNone Outcome = iota
	OutcomeOutOfWindow
	OutcomeSkippedBackoff
	OutcomeCollectError
	OutcomeNoData
	OutcomeCollected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOutOfWindow:
		return "out_of_window"
	case OutcomeSkippedBackoff:
		return "skipped_backoff"
	case OutcomeCollectError:
		return "collect_error"
	case OutcomeNoData:
		return "no_data"
	case OutcomeCollected:
		return "collected"
	default:
		return "none"
	}
}

// ScheduleItem is the scheduling state of one module instance.
//
// Throttle state is only written by the goroutine running the item's tick;
// the inflight flag guarantees there is at most one. Everything is stored in
// atomics so status snapshots can read without coordinating with that writer.
type ScheduleItem struct {
	cfg ModuleConfig
	mod module.Module

	initialDelay    time.Duration
	firstRun        time.Time
	maxExecDuration time.Duration

	continueExceedTimes atomic.Int32
	exceedSkipTimes     atomic.Int32
	lastExecDuration    atomic.Int64

	runTimes         atomic.Uint64
	errorCount       atomic.Uint64
	skipCount        atomic.Uint64
	busySkipCount    atomic.Uint64
	outOfWindowCount atomic.Uint64
	lastOutcome      atomic.Int32
	lastRunAt        atomic.Int64 // unix nanos, 0 = never

	inflight atomic.Bool
	entryID  cron.EntryID // GUARDED_BY(Service.mu)
}

func (it *ScheduleItem) MID() string                    { return it.cfg.MID }
func (it *ScheduleItem) Config() ModuleConfig           { return it.cfg }
func (it *ScheduleItem) InitialDelay() time.Duration    { return it.initialDelay }
func (it *ScheduleItem) FirstRun() time.Time            { return it.firstRun }
func (it *ScheduleItem) MaxExecDuration() time.Duration { return it.maxExecDuration }
func (it *ScheduleItem) ExceedSkipTimes() int           { return int(it.exceedSkipTimes.Load()) }
func (it *ScheduleItem) ContinueExceedTimes() int       { return int(it.continueExceedTimes.Load()) }
func (it *ScheduleItem) SkipCount() uint64              { return it.skipCount.Load() }
func (it *ScheduleItem) RunTimes() uint64               { return it.runTimes.Load() }
func (it *ScheduleItem) ErrorCount() uint64             { return it.errorCount.Load() }

func (it *ScheduleItem) effectiveAt(t time.Time) bool {
	if it.cfg.Window == nil {
		return true
	}
	return it.cfg.Window.IsEffectiveAt(t)
}

// ItemStatus is a point-in-time copy of one item's counters.
type ItemStatus struct {
	MID                 string        `json:"mid"`
	Name                string        `json:"name"`
	Type                string        `json:"type,omitempty"`
	Interval            time.Duration `json:"interval"`
	MaxExecDuration     time.Duration `json:"max_exec_duration"`
	LastExecDuration    time.Duration `json:"last_exec_duration"`
	RunTimes            uint64        `json:"run_times"`
	ErrorCount          uint64        `json:"error_count"`
	SkipCount           uint64        `json:"skip_count"`
	BusySkipCount       uint64        `json:"busy_skip_count"`
	OutOfWindowCount    uint64        `json:"out_of_window_count"`
	ContinueExceedTimes int           `json:"continue_exceed_times"`
	ExceedSkipTimes     int           `json:"exceed_skip_times"`
	LastOutcome         string        `json:"last_outcome"`
	LastRunAt           time.Time     `json:"last_run_at,omitzero"`
	NextRunAt           time.Time     `json:"next_run_at,omitzero"`
	Running             bool          `json:"running"`
}

// Snapshot is the status of all requested items, ordered by mid.
type Snapshot struct {
	Timezone string       `json:"timezone"`
	Started  bool         `json:"started"`
	Items    []ItemStatus `json:"items"`
}
