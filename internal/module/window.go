package module

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window decides whether a module may run at a given instant.
type Window interface {
	IsEffectiveAt(t time.Time) bool
}

// Always is the window of modules without time restrictions.
type Always struct{}

func (Always) IsEffectiveAt(time.Time) bool { return true }

// WindowFunc adapts a plain function to Window.
type WindowFunc func(t time.Time) bool

func (f WindowFunc) IsEffectiveAt(t time.Time) bool { return f(t) }

// WindowSpec is one daily range, e.g. {Days: [mon, tue], From: "08:00", To: "18:00"}.
// From > To wraps past midnight; the wrapped tail belongs to the day the range
// started on. No days means every day.
type WindowSpec struct {
	Days []string
	From string
	To   string
}

type dailyRange struct {
	days     [7]bool
	from, to int // minutes since midnight
}

// DailyWindows is effective when any of its ranges contains t.
type DailyWindows struct {
	ranges []dailyRange
	loc    *time.Location
}

// ParseWindows builds a Window from specs evaluated in loc. No specs yields Always.
func ParseWindows(specs []WindowSpec, loc *time.Location) (Window, error) {
	if len(specs) == 0 {
		return Always{}, nil
	}
	if loc == nil {
		loc = time.Local
	}
	w := &DailyWindows{loc: loc}
	for i, s := range specs {
		r, err := parseRange(s)
		if err != nil {
			return nil, fmt.Errorf("window %d: %w", i, err)
		}
		w.ranges = append(w.ranges, r)
	}
	return w, nil
}

func parseRange(s WindowSpec) (dailyRange, error) {
	var r dailyRange
	fh, fm, err := parseHHMM(s.From)
	if err != nil {
		return r, err
	}
	th, tm, err := parseHHMM(s.To)
	if err != nil {
		return r, err
	}
	r.from = fh*60 + fm
	r.to = th*60 + tm
	if r.from == r.to {
		return r, fmt.Errorf("empty range %s-%s", s.From, s.To)
	}
	if len(s.Days) == 0 {
		for i := range r.days {
			r.days[i] = true
		}
		return r, nil
	}
	for _, d := range s.Days {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return r, fmt.Errorf("invalid day %q", d)
		}
		r.days[wd] = true
	}
	return r, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func (w *DailyWindows) IsEffectiveAt(t time.Time) bool {
	t = t.In(w.loc)
	m := t.Hour()*60 + t.Minute()
	today := t.Weekday()
	yesterday := (today + 6) % 7
	for _, r := range w.ranges {
		if r.from < r.to {
			if r.days[today] && m >= r.from && m < r.to {
				return true
			}
			continue
		}
		// Wrapping range: the evening part today, or the early part of a range
		// that started yesterday.
		if r.days[today] && m >= r.from {
			return true
		}
		if r.days[yesterday] && m < r.to {
			return true
		}
	}
	return false
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
