package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"hostwatch/internal/config"
	"hostwatch/internal/module"
	"hostwatch/internal/observability/httpserver"
	"hostwatch/internal/output"
	"hostwatch/internal/task/pool"
	"hostwatch/internal/task/scheduler"
	logx "hostwatch/pkg/logx"
)

const poolName = "modules"

func mapLogConfig(cfg *config.Config) logx.Config {
	f := cfg.Logging.File
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    f.Enabled,
			Path:       f.Path,
			MaxSizeMB:  f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAgeDays: f.MaxAgeDays,
			Compress:   f.Compress,
		},
	}
}

func mapPoolConfig(cfg *config.Config) (pool.Config, error) {
	idle, err := config.ParseDurationField("pool.max_idle_time", cfg.Pool.MaxIdleTime)
	if err != nil {
		return pool.Config{}, err
	}
	return pool.Config{
		Name:          poolName,
		MinThreads:    cfg.Pool.MinThreads,
		MaxThreads:    cfg.Pool.MaxThreads,
		MaxIdleTime:   idle,
		QueueCapacity: cfg.Pool.QueueCapacity,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	dispatch, err := config.ParseDurationField("scheduler.dispatch_timeout", sc.DispatchTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		ExecuteRatio:        sc.ExecuteRatio,
		ContinueExceedCount: sc.ContinueExceedCount,
		JitterFactor:        sc.JitterFactor,
		DispatchTimeout:     dispatch,
		Timezone:            sc.Timezone,
	}, nil
}

func mapOutputConfigs(cfg *config.Config) ([]output.Config, error) {
	out := make([]output.Config, 0, len(cfg.Outputs))
	for i, o := range cfg.Outputs {
		busy, err := config.ParseDurationField(fmt.Sprintf("outputs[%d].busy_timeout", i), o.BusyTimeout)
		if err != nil {
			return nil, err
		}
		out = append(out, output.Config{
			Name:        strings.TrimSpace(o.Name),
			Driver:      o.Driver,
			Path:        o.Path,
			BusyTimeout: busy,
			Buffer:      o.Buffer,
			Status:      o.Status,
		})
	}
	// Results always have somewhere to go.
	if len(out) == 0 {
		out = append(out, output.Config{Name: "default", Driver: "log"})
	}
	return out, nil
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 60*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	return httpserver.Config{
		Enabled:              h.Enabled,
		Addr:                 h.Addr,
		Token:                strings.TrimSpace(h.Token),
		AllowInsecure:        h.AllowInsecure,
		Pprof:                h.Pprof,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: h.MutexProfileFraction,
		BlockProfileRate:     h.BlockProfileRate,
	}, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

// buildModule turns one module entry into a scheduler config and an
// uninitialized module. The scheduler runs Init when the item is created.
func buildModule(mc config.ModuleConfig, loc *time.Location) (scheduler.ModuleConfig, module.Module, error) {
	mid := strings.TrimSpace(mc.MID)
	path := fmt.Sprintf("modules[%s]", mid)

	interval, err := config.ParseInterval(path+".interval", mc.Interval)
	if err != nil {
		return scheduler.ModuleConfig{}, nil, err
	}

	specs := make([]module.WindowSpec, 0, len(mc.Windows))
	for _, w := range mc.Windows {
		specs = append(specs, module.WindowSpec{Days: w.Days, From: w.From, To: w.To})
	}
	win, err := module.ParseWindows(specs, loc)
	if err != nil {
		return scheduler.ModuleConfig{}, nil, fmt.Errorf("%s.windows: %w", path, err)
	}

	m, err := module.New(mc.Type, mc.Config)
	if err != nil {
		return scheduler.ModuleConfig{}, nil, fmt.Errorf("%s: %w", path, err)
	}

	outputs := make([]string, 0, len(mc.Outputs))
	for _, o := range mc.Outputs {
		outputs = append(outputs, strings.TrimSpace(o))
	}
	return scheduler.ModuleConfig{
		MID:          mid,
		Name:         mc.DisplayName(),
		Type:         strings.ToLower(strings.TrimSpace(mc.Type)),
		Interval:     interval,
		Outputs:      outputs,
		ReportStatus: mc.ReportStatus,
		Window:       win,
	}, m, nil
}

// validateConfig checks what config.Validate cannot: module types and their
// own config, windows, timezone, log level and output drivers. Modules are
// built concurrently but never initialized.
func validateConfig(ctx context.Context, cfg *config.Config) error {
	var errs []error
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	loc, err := loadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for i, o := range cfg.Outputs {
		if !output.KnownDriver(o.Driver) {
			errs = append(errs, fmt.Errorf("outputs[%d]: %w: %q", i, output.ErrUnknownDriver, o.Driver))
		}
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		errs = append(errs, err)
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	modErrs := make([]error, len(cfg.Modules))
	for i, mc := range cfg.Modules {
		if mc.Disabled {
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				modErrs[i] = ctx.Err()
				return nil
			}
			_, _, modErrs[i] = buildModule(mc, loc)
			return nil
		})
	}
	_ = g.Wait()
	errs = append(errs, modErrs...)
	return errors.Join(errs...)
}

// Validate runs the structural and module checks the agent applies before
// starting or accepting a reload.
func Validate(ctx context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	return validateConfig(ctx, cfg)
}
