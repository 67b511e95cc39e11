package scheduler

import (
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// GetStatus copies the counters of the given items, or of every item when no
// mid is passed. Unknown mids are ignored.
func (s *Service) GetStatus(mids ...string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Timezone: s.loc.String(), Started: s.c != nil}
	next := map[cron.EntryID]time.Time{}
	if s.c != nil {
		for _, e := range s.c.Entries() {
			next[e.ID] = e.Next
		}
	}
	if len(mids) == 0 {
		snap.Items = make([]ItemStatus, 0, len(s.items))
		for _, it := range s.items {
			snap.Items = append(snap.Items, s.statusLocked(it, next))
		}
	} else {
		for _, mid := range mids {
			if it, ok := s.items[mid]; ok {
				snap.Items = append(snap.Items, s.statusLocked(it, next))
			}
		}
	}
	sort.Slice(snap.Items, func(i, j int) bool { return snap.Items[i].MID < snap.Items[j].MID })
	return snap
}

func (s *Service) statusLocked(it *ScheduleItem, next map[cron.EntryID]time.Time) ItemStatus {
	st := ItemStatus{
		MID:                 it.cfg.MID,
		Name:                it.cfg.Name,
		Type:                it.cfg.Type,
		Interval:            it.cfg.Interval,
		MaxExecDuration:     it.maxExecDuration,
		LastExecDuration:    time.Duration(it.lastExecDuration.Load()),
		RunTimes:            it.runTimes.Load(),
		ErrorCount:          it.errorCount.Load(),
		SkipCount:           it.skipCount.Load(),
		BusySkipCount:       it.busySkipCount.Load(),
		OutOfWindowCount:    it.outOfWindowCount.Load(),
		ContinueExceedTimes: int(it.continueExceedTimes.Load()),
		ExceedSkipTimes:     int(it.exceedSkipTimes.Load()),
		LastOutcome:         Outcome(it.lastOutcome.Load()).String(),
		Running:             it.inflight.Load(),
	}
	if ns := it.lastRunAt.Load(); ns != 0 {
		st.LastRunAt = time.Unix(0, ns).In(s.loc)
	}
	// Unscheduled items have no next run.
	if t, ok := next[it.entryID]; ok && !t.IsZero() {
		st.NextRunAt = t
	}
	return st
}
