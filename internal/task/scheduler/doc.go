// Package scheduler runs module collections at fixed intervals.
//
// Each module instance gets one ScheduleItem. A cron driver fires the item on
// a phase-locked grid (first run + k*interval) and dispatches RunOnce onto the
// worker pool. RunOnce decides per tick whether the item is out of its
// validity window, owes backoff skips from earlier overruns, or should
// collect. Chronically slow modules are throttled in proportion to how far
// they overran.
package scheduler
