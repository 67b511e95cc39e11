// Package app wires config, logging, the worker pool, outputs, the module
// scheduler and the HTTP surface into one agent process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"

	"hostwatch/internal/config"
	"hostwatch/internal/metrics"
	"hostwatch/internal/observability/httpserver"
	"hostwatch/internal/output"
	rtsup "hostwatch/internal/runtime/supervisor"
	"hostwatch/internal/task/pool"
	"hostwatch/internal/task/scheduler"
	logx "hostwatch/pkg/logx"
)

const (
	defaultStopTimeout = 10 * time.Second
	healthPanicWindow  = time.Minute
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	loc  *time.Location

	pool  *pool.Pool
	out   *output.Manager
	sched *scheduler.Service
	reg   *prometheus.Registry
	http  *httpserver.Service

	notify   bool
	started  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

type options struct {
	sched []scheduler.Option
}

type Option func(*options)

// WithSchedulerOptions forwards opts to the module scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *options) { o.sched = append(o.sched, opts...) }
}

// New loads cfgPath and builds every component. Modules that fail to build or
// initialize are logged and left out; the rest are registered.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	loc, err := loadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	pc, err := mapPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	oc, err := mapOutputConfigs(cfg)
	if err != nil {
		return nil, err
	}
	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	// Pool workers and output writers report panics to the app supervisor.
	sup := rtsup.New(context.Background(), rtsup.WithLogger(log), rtsup.WithCancelOnError(true))

	out, err := output.NewManager(oc, output.WithLogger(root), output.WithSupervisor(sup))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	p := pool.New(pc, pool.WithLogger(root), pool.WithSupervisor(sup))
	sched := scheduler.New(sc, p, out, root, o.sched...)

	a := &App{
		cfgm:   cfgm,
		sup:    sup,
		root:   root,
		log:    log,
		logs:   logSvc,
		loc:    loc,
		pool:   p,
		out:    out,
		sched:  sched,
		reg:    metrics.NewRegistry(metrics.NewCollector(p, sched, out, metrics.WithSupervisor(sup))),
		notify: cfg.Systemd.Notify,
	}
	a.http = httpserver.New(hc, httpserver.Sources{
		Scheduler: sched,
		Pool:      p,
		Outputs:   out,
		Runtime:   sup,
		Gatherer:  a.reg,
		Health:    a.health,
	}, root)

	var failed int
	for _, mc := range cfg.Modules {
		if mc.Disabled {
			continue
		}
		if err := a.addModule(mc); err != nil {
			failed++
		}
	}
	log.Info("modules registered", logx.Int("active", sched.Len()), logx.Int("failed", failed))
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Pool() *pool.Pool              { return a.pool }
func (a *App) Outputs() *output.Manager      { return a.out }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error { return a.sup.Err() }

// Runtime returns the supervisor that owns every long-lived goroutine.
func (a *App) Runtime() *rtsup.Supervisor { return a.sup }

// health backs /healthz. Recent recovered panics degrade it but, unlike the
// conditions in alive, do not hold back watchdog pings.
func (a *App) health() error {
	if err := a.alive(); err != nil {
		return err
	}
	if n := a.recentPanics(time.Now()); n > 0 {
		return fmt.Errorf("%d goroutines or tasks panicked in the last %s", n, healthPanicWindow)
	}
	return nil
}

func (a *App) alive() error {
	if err := a.Err(); err != nil {
		return err
	}
	if a.pool.Snapshot().Stopping {
		return errors.New("worker pool stopping")
	}
	return nil
}

// recentPanics counts supervised names whose last recovered panic falls
// inside healthPanicWindow.
func (a *App) recentPanics(now time.Time) int {
	n := 0
	for _, g := range a.sup.Snapshot().Goroutines {
		if g.Panics > 0 && now.Sub(g.LastPanicAt) < healthPanicWindow {
			n++
		}
	}
	return n
}

func (a *App) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("app already started")
	}
	if ctx != nil {
		context.AfterFunc(ctx, a.sup.Cancel)
	}

	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	a.sched.Start(a.sup.Context())
	a.http.Start(a.sup.Context())

	a.startReloadLoop()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sdNotify(daemon.SdNotifyReady)
	a.startWatchdog()

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// Run starts the app and blocks until ctx ends, a fatal error occurs or a
// terminating signal arrives on sigs. SIGHUP forces a config reload.
func (a *App) Run(ctx context.Context, sigs <-chan os.Signal) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	reason := StopUnknown
wait:
	for {
		select {
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				if _, err := a.cfgm.Reload(ctx); err != nil {
					a.log.Warn("config reload failed", logx.Err(err))
				}
				continue
			case os.Interrupt:
				reason = StopSIGINT
			case syscall.SIGTERM:
				reason = StopSIGTERM
			}
			break wait
		case <-ctx.Done():
			reason = StopAppStop
			break wait
		case <-a.Done():
			reason = StopFatalError
			if a.Err() == nil && ctx.Err() != nil {
				reason = StopAppStop
			}
			break wait
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == StopFatalError {
		if err := a.Err(); err != nil {
			return fmt.Errorf("fatal: %w", err)
		}
	}
	return stopErr
}

// Stop shuts components down in dependency order: http, scheduler driver,
// pool, outputs. Each step is bounded so one component can't stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx, reason) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		// WithTimeout never extends the caller's deadline.
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("pool", 5*time.Second, func(c context.Context) error {
		a.pool.Stop()
		return a.pool.JoinContext(c)
	})
	step("outputs", 3*time.Second, func(c context.Context) error { return a.out.Close(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if err := a.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
