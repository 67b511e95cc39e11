// Package metrics exposes pool, scheduler, output and supervisor counters to Prometheus.
// Values are read from snapshots at scrape time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"hostwatch/internal/output"
	rtsup "hostwatch/internal/runtime/supervisor"
	"hostwatch/internal/task/pool"
	"hostwatch/internal/task/scheduler"
)

const namespace = "hostwatch"

type PoolSource interface {
	Snapshot() pool.Snapshot
}

type SchedulerSource interface {
	GetStatus(mids ...string) scheduler.Snapshot
}

type OutputSource interface {
	Snapshot() []output.ChannelStats
}

type SupervisorSource interface {
	Snapshot() rtsup.Snapshot
}

type Option func(*Collector)

// WithSupervisor adds goroutine counters from the process supervisor.
func WithSupervisor(s SupervisorSource) Option {
	return func(c *Collector) { c.sup = s }
}

// Collector is a prometheus.Collector over live component snapshots. Any
// source may be nil.
type Collector struct {
	pool  PoolSource
	sched SchedulerSource
	out   OutputSource
	sup   SupervisorSource

	poolThreads  *prometheus.Desc
	poolIdle     *prometheus.Desc
	poolQueued   *prometheus.Desc
	poolQueueCap *prometheus.Desc
	poolTasks    *prometheus.Desc

	itemRuns       *prometheus.Desc
	itemErrors     *prometheus.Desc
	itemSkips      *prometheus.Desc
	itemBusySkips  *prometheus.Desc
	itemOutOfWin   *prometheus.Desc
	itemLastExec   *prometheus.Desc
	itemExceedSkip *prometheus.Desc

	outSent      *prometheus.Desc
	outFailed    *prometheus.Desc
	outDiscarded *prometheus.Desc
	outQueued    *prometheus.Desc

	supActive   *prometheus.Desc
	supStarted  *prometheus.Desc
	supPanics   *prometheus.Desc
	supRestarts *prometheus.Desc
}

func NewCollector(p PoolSource, s SchedulerSource, o OutputSource, opts ...Option) *Collector {
	item := []string{"mid", "name"}
	ch := []string{"output", "driver"}
	gor := []string{"name"}
	desc := func(sub, name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, labels, nil)
	}
	c := &Collector{
		pool:  p,
		sched: s,
		out:   o,

		poolThreads:  desc("pool", "threads", "Live worker goroutines.", []string{"pool"}),
		poolIdle:     desc("pool", "idle_threads", "Workers waiting for a task.", []string{"pool"}),
		poolQueued:   desc("pool", "queued_tasks", "Tasks waiting in the pool queue.", []string{"pool"}),
		poolQueueCap: desc("pool", "queue_capacity", "Pool queue capacity.", []string{"pool"}),
		poolTasks:    desc("pool", "tasks_total", "Pool task events by result.", []string{"pool", "result"}),

		itemRuns:       desc("module", "runs_total", "Executed collections.", item),
		itemErrors:     desc("module", "errors_total", "Failed collections.", item),
		itemSkips:      desc("module", "backoff_skips_total", "Ticks skipped to throttle an overrunning module.", item),
		itemBusySkips:  desc("module", "busy_skips_total", "Ticks dropped because the previous run was still in flight.", item),
		itemOutOfWin:   desc("module", "out_of_window_total", "Ticks outside the module's validity window.", item),
		itemLastExec:   desc("module", "last_exec_seconds", "Duration of the last executed collection.", item),
		itemExceedSkip: desc("module", "pending_backoff_skips", "Ticks still to be skipped.", item),

		outSent:      desc("output", "sent_total", "Results written.", ch),
		outFailed:    desc("output", "failed_total", "Result writes that failed.", ch),
		outDiscarded: desc("output", "discarded_total", "Results dropped from a full buffer.", ch),
		outQueued:    desc("output", "queued", "Results waiting to be written.", ch),

		supActive:   desc("supervisor", "goroutines_active", "Supervised goroutines currently running.", gor),
		supStarted:  desc("supervisor", "goroutines_started_total", "Supervised goroutine starts.", gor),
		supPanics:   desc("supervisor", "panics_total", "Panics recovered by the supervisor, tasks included.", gor),
		supRestarts: desc("supervisor", "restarts_total", "Restarts of supervised goroutines.", gor),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.poolThreads, c.poolIdle, c.poolQueued, c.poolQueueCap, c.poolTasks,
		c.itemRuns, c.itemErrors, c.itemSkips, c.itemBusySkips, c.itemOutOfWin, c.itemLastExec, c.itemExceedSkip,
		c.outSent, c.outFailed, c.outDiscarded, c.outQueued,
		c.supActive, c.supStarted, c.supPanics, c.supRestarts,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	if c.pool != nil {
		s := c.pool.Snapshot()
		gauge(c.poolThreads, float64(s.Threads), s.Name)
		gauge(c.poolIdle, float64(s.Idle), s.Name)
		gauge(c.poolQueued, float64(s.Queued), s.Name)
		gauge(c.poolQueueCap, float64(s.QueueCap), s.Name)
		counter(c.poolTasks, s.Executed, s.Name, "executed")
		counter(c.poolTasks, s.Panicked, s.Name, "panicked")
		counter(c.poolTasks, s.Rejected, s.Name, "rejected")
	}

	if c.sched != nil {
		for _, it := range c.sched.GetStatus().Items {
			counter(c.itemRuns, it.RunTimes, it.MID, it.Name)
			counter(c.itemErrors, it.ErrorCount, it.MID, it.Name)
			counter(c.itemSkips, it.SkipCount, it.MID, it.Name)
			counter(c.itemBusySkips, it.BusySkipCount, it.MID, it.Name)
			counter(c.itemOutOfWin, it.OutOfWindowCount, it.MID, it.Name)
			gauge(c.itemLastExec, it.LastExecDuration.Seconds(), it.MID, it.Name)
			gauge(c.itemExceedSkip, float64(it.ExceedSkipTimes), it.MID, it.Name)
		}
	}

	if c.out != nil {
		for _, o := range c.out.Snapshot() {
			counter(c.outSent, o.Sent, o.Name, o.Driver)
			counter(c.outFailed, o.Failed, o.Name, o.Driver)
			counter(c.outDiscarded, o.Discarded, o.Name, o.Driver)
			gauge(c.outQueued, float64(o.Queued), o.Name, o.Driver)
		}
	}

	if c.sup != nil {
		for _, g := range c.sup.Snapshot().Goroutines {
			gauge(c.supActive, float64(g.Active), g.Name)
			counter(c.supStarted, g.Started, g.Name)
			counter(c.supPanics, g.Panics, g.Name)
			counter(c.supRestarts, g.Restarts, g.Name)
		}
	}
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}
