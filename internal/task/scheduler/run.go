package scheduler

import (
	"fmt"
	"runtime/debug"
	"time"

	"hostwatch/internal/module"
	logx "hostwatch/pkg/logx"
)

// CreateItem initializes m and computes the item's first run.
//
// The first run is now plus a deterministic jitter, unless that instant falls
// outside the module's validity window, in which case the item is due now.
func (s *Service) CreateItem(cfg ModuleConfig, m module.Module, now time.Time) (*ScheduleItem, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("module %s: %w", cfg.MID, ErrZeroInterval)
	}
	if m == nil {
		return nil, fmt.Errorf("module %s: nil module", cfg.MID)
	}
	if err := m.Init(); err != nil {
		return nil, fmt.Errorf("module %s init: %w", cfg.MID, err)
	}

	it := &ScheduleItem{
		cfg:             cfg,
		mod:             m,
		maxExecDuration: cfg.Interval / time.Duration(s.cfg.ExecuteRatio),
	}
	it.initialDelay = initialJitter(cfg.MID, cfg.Interval, s.cfg.JitterFactor)
	it.firstRun = now.Add(it.initialDelay)
	if !it.effectiveAt(it.firstRun) {
		it.initialDelay = 0
		it.firstRun = now
	}
	return it, nil
}

// RunOnce executes one tick for it and reports what happened.
//
// Callers must not run the same item concurrently; the tick driver ensures
// this with the item's inflight flag.
func (s *Service) RunOnce(it *ScheduleItem) Outcome {
	now := s.clock.Now()

	if !it.effectiveAt(now.In(s.loc)) {
		it.outOfWindowCount.Add(1)
		it.lastOutcome.Store(int32(OutcomeOutOfWindow))
		return OutcomeOutOfWindow
	}

	if owed := it.exceedSkipTimes.Load(); owed > 0 {
		it.exceedSkipTimes.Store(owed - 1)
		it.skipCount.Add(1)
		it.lastOutcome.Store(int32(OutcomeSkippedBackoff))
		return OutcomeSkippedBackoff
	}

	it.runTimes.Add(1)
	it.lastRunAt.Store(now.UnixNano())

	code, payload := s.collect(it)
	elapsed := s.clock.Now().Sub(now)

	var out Outcome
	switch {
	case code < 0:
		out = OutcomeCollectError
		it.errorCount.Add(1)
		s.log.Warn("module collect failed",
			logx.String("mid", it.cfg.MID),
			logx.String("name", it.cfg.Name),
			logx.Int("code", code),
			logx.Uint64("errors", it.errorCount.Load()),
		)
	case code == 0:
		out = OutcomeNoData
	default:
		out = OutcomeCollected
		if s.out != nil {
			err := s.out.SendResult(it.cfg.Name, now, 0, payload, it.cfg.Outputs, it.cfg.ReportStatus, it.cfg.MID)
			if err != nil {
				s.reportSendError(it.cfg.MID, err)
			}
		}
	}
	it.lastOutcome.Store(int32(out))

	s.AfterRun(it, elapsed)
	return out
}

// collect runs the module's Collect, copying the payload out before handing
// the buffer back. A panic counts as a failed collection.
func (s *Service) collect(it *ScheduleItem) (code int, payload []byte) {
	var buf []byte
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("module collect panicked",
				logx.String("mid", it.cfg.MID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			code, payload = module.CodeError, nil
		}
		if buf != nil {
			it.mod.FreeCollectBuffer(buf)
		}
	}()

	code = it.mod.Collect(&buf)
	if code > 0 {
		if code > len(buf) {
			code = len(buf)
		}
		if code > 0 {
			payload = append([]byte(nil), buf[:code]...)
		}
	}
	return code, payload
}

// AfterRun records elapsed and updates the overrun throttle.
//
// An isolated overrun only warns. ContinueExceedCount overruns in a row make
// the item skip ceil(elapsed/maxExecDuration)+1 upcoming ticks.
func (s *Service) AfterRun(it *ScheduleItem, elapsed time.Duration) {
	it.lastExecDuration.Store(int64(elapsed))

	limit := it.maxExecDuration
	if limit <= 0 || elapsed <= limit {
		it.continueExceedTimes.Store(0)
		return
	}

	n := it.continueExceedTimes.Add(1)
	if int(n) < s.cfg.ContinueExceedCount {
		s.log.Warn("module run exceeded budget",
			logx.String("mid", it.cfg.MID),
			logx.Duration("elapsed", elapsed),
			logx.Duration("budget", limit),
			logx.Int("consecutive", int(n)),
		)
		return
	}

	skips := int32((elapsed+limit-1)/limit) + 1
	it.exceedSkipTimes.Store(skips)
	it.continueExceedTimes.Store(0)
	s.log.Warn("module throttled after repeated overruns",
		logx.String("mid", it.cfg.MID),
		logx.Duration("elapsed", elapsed),
		logx.Duration("budget", limit),
		logx.Int("skip_ticks", int(skips)),
	)
}
