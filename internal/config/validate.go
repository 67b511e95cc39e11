package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the structure of cfg: durations parse, names are unique and
// modules only reference declared outputs. Module types and module-specific
// config are checked by whoever builds the modules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Pool.MinThreads < 0 || cfg.Pool.MaxThreads < 0 || cfg.Pool.QueueCapacity < 0 {
		add(errors.New("pool: sizes must be >= 0"))
	}
	if cfg.Pool.MaxThreads > 0 && cfg.Pool.MaxThreads < cfg.Pool.MinThreads {
		add(fmt.Errorf("pool: max_threads (%d) < min_threads (%d)", cfg.Pool.MaxThreads, cfg.Pool.MinThreads))
	}
	_, err := ParseDurationField("pool.max_idle_time", cfg.Pool.MaxIdleTime)
	add(err)

	if cfg.Scheduler.JitterFactor < 0 || cfg.Scheduler.JitterFactor > 1 {
		add(fmt.Errorf("scheduler.jitter_factor must be within [0,1], got %v", cfg.Scheduler.JitterFactor))
	}
	if cfg.Scheduler.ExecuteRatio < 0 || cfg.Scheduler.ContinueExceedCount < 0 {
		add(errors.New("scheduler: execute_ratio and continue_exceed_count must be >= 0"))
	}
	_, err = ParseDurationField("scheduler.dispatch_timeout", cfg.Scheduler.DispatchTimeout)
	add(err)

	outputs := map[string]struct{}{}
	for i, o := range cfg.Outputs {
		name := strings.TrimSpace(o.Name)
		if name == "" {
			add(fmt.Errorf("outputs[%d]: name is required", i))
			continue
		}
		if _, dup := outputs[name]; dup {
			add(fmt.Errorf("outputs[%d]: duplicate name %q", i, name))
		}
		outputs[name] = struct{}{}
		_, err := ParseDurationField(fmt.Sprintf("outputs[%d].busy_timeout", i), o.BusyTimeout)
		add(err)
	}

	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}

	mids := map[string]struct{}{}
	for i, m := range cfg.Modules {
		path := fmt.Sprintf("modules[%d]", i)
		mid := strings.TrimSpace(m.MID)
		if mid == "" {
			add(fmt.Errorf("%s: mid is required", path))
			continue
		}
		path = fmt.Sprintf("modules[%s]", mid)
		if _, dup := mids[mid]; dup {
			add(fmt.Errorf("%s: duplicate mid", path))
		}
		mids[mid] = struct{}{}
		if strings.TrimSpace(m.Type) == "" {
			add(fmt.Errorf("%s: type is required", path))
		}
		_, err := ParseInterval(path+".interval", m.Interval)
		add(err)
		for _, name := range m.Outputs {
			if _, ok := outputs[strings.TrimSpace(name)]; !ok {
				add(fmt.Errorf("%s: unknown output %q", path, name))
			}
		}
	}

	return errors.Join(errs...)
}
