package scheduler

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// initialJitter spreads same-interval items across the first period. The
// value is stable for a given (mid, interval) so restarts keep the phase.
func initialJitter(mid string, interval time.Duration, factor float64) time.Duration {
	span := time.Duration(float64(interval) * factor)
	if span <= 0 {
		return 0
	}
	h := fnv64a(mid + "|" + strconv.FormatInt(int64(interval), 10))
	return time.Duration(h % uint64(span))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// itemSchedule fires at first + k*interval. Late ticks snap forward to the
// next grid point instead of drifting.
//
// The first Next call made at or after first returns its argument so an item
// whose first run is already due fires as soon as the driver sees it.
type itemSchedule struct {
	first    time.Time
	interval time.Duration

	mu      sync.Mutex
	started bool
}

func newItemSchedule(first time.Time, interval time.Duration) *itemSchedule {
	return &itemSchedule{first: first, interval: interval}
}

func (s *itemSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	started := s.started
	s.started = true
	s.mu.Unlock()

	if t.Before(s.first) {
		return s.first
	}
	if !started {
		return t
	}
	k := t.Sub(s.first)/s.interval + 1
	return s.first.Add(k * s.interval)
}
