package config

import (
	"reflect"
	"sort"
	"strings"

	logx "hostwatch/pkg/logx"
)

// ModuleDiff lists mids by what happened to them between two configs.
// Enabling a disabled module counts as added, disabling one as removed.
type ModuleDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d ModuleDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffModules compares the enabled modules of two configs by mid.
func DiffModules(oldCfg, newCfg *Config) ModuleDiff {
	oldM := enabledModules(oldCfg)
	newM := enabledModules(newCfg)

	var d ModuleDiff
	for mid, o := range oldM {
		n, ok := newM[mid]
		if !ok {
			d.Removed = append(d.Removed, mid)
			continue
		}
		if canonicalHash(o) != canonicalHash(n) {
			d.Changed = append(d.Changed, mid)
		}
	}
	for mid := range newM {
		if _, ok := oldM[mid]; !ok {
			d.Added = append(d.Added, mid)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

func enabledModules(cfg *Config) map[string]ModuleConfig {
	out := map[string]ModuleConfig{}
	if cfg == nil {
		return out
	}
	for _, m := range cfg.Modules {
		mid := strings.TrimSpace(m.MID)
		if mid == "" || m.Disabled {
			continue
		}
		out[mid] = m
	}
	return out
}

// FindModule returns the module with the given mid.
func (c *Config) FindModule(mid string) (ModuleConfig, bool) {
	for _, m := range c.Modules {
		if strings.TrimSpace(m.MID) == mid {
			return m, true
		}
	}
	return ModuleConfig{}, false
}

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Pool != newCfg.Pool {
		changed = append(changed, "pool")
		attrs = append(attrs,
			logx.Int("pool.min_threads", newCfg.Pool.MinThreads),
			logx.Int("pool.max_threads", newCfg.Pool.MaxThreads),
			logx.Int("pool.queue_capacity", newCfg.Pool.QueueCapacity),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.execute_ratio", newCfg.Scheduler.ExecuteRatio),
			logx.Int("scheduler.continue_exceed_count", newCfg.Scheduler.ContinueExceedCount),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Outputs, newCfg.Outputs) {
		changed = append(changed, "outputs")
		attrs = append(attrs, logx.Int("outputs.count", len(newCfg.Outputs)))
	}

	// HTTP (never log token)
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oTok, nTok := strings.TrimSpace(oh.Token) != "", strings.TrimSpace(nh.Token) != ""
	oh.Token, nh.Token = "", ""
	if oh != nh || oTok != nTok {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", nTok),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	if md := DiffModules(oldCfg, newCfg); !md.Empty() {
		changed = append(changed, "modules")
		attrs = append(attrs,
			logx.Strings("modules.added", md.Added),
			logx.Strings("modules.removed", md.Removed),
			logx.Strings("modules.changed", md.Changed),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
