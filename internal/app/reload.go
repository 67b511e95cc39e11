package app

import (
	"context"
	"errors"
	"strings"

	"hostwatch/internal/config"
	"hostwatch/internal/task/scheduler"
	logx "hostwatch/pkg/logx"
)

// Sections that are read once at startup.
var restartSections = map[string]bool{
	"pool":      true,
	"outputs":   true,
	"scheduler": true,
	"systemd":   true,
}

// addModule builds mc and registers it. A zero interval disables the module.
func (a *App) addModule(mc config.ModuleConfig) error {
	smc, m, err := buildModule(mc, a.loc)
	if err != nil {
		a.log.Error("module build failed", logx.String("mid", mc.MID), logx.Err(err))
		return err
	}
	if err := a.sched.Add(smc, m); err != nil {
		if errors.Is(err, scheduler.ErrZeroInterval) {
			a.log.Info("module has no interval; not scheduled", logx.String("mid", smc.MID))
		} else {
			a.log.Error("module not scheduled", logx.String("mid", smc.MID), logx.String("type", smc.Type), logx.Err(err))
		}
		return err
	}
	return nil
}

// applyModules brings the scheduler in line with next. A changed module whose
// new build fails keeps running with its previous config.
func (a *App) applyModules(prev, next *config.Config) config.ModuleDiff {
	d := config.DiffModules(prev, next)
	for _, mid := range d.Removed {
		a.sched.Remove(mid)
	}
	for _, mid := range d.Added {
		if mc, ok := next.FindModule(mid); ok {
			_ = a.addModule(mc)
		}
	}
	for _, mid := range d.Changed {
		mc, ok := next.FindModule(mid)
		if !ok {
			continue
		}
		smc, m, err := buildModule(mc, a.loc)
		if err != nil {
			a.log.Warn("changed module invalid; keeping previous", logx.String("mid", mid), logx.Err(err))
			continue
		}
		err = a.sched.Replace(smc, m)
		switch {
		case errors.Is(err, scheduler.ErrZeroInterval):
			a.sched.Remove(mid)
			a.log.Info("module interval cleared; unscheduled", logx.String("mid", mid))
		case err != nil:
			a.log.Warn("module replace failed; keeping previous", logx.String("mid", mid), logx.Err(err))
		}
	}
	return d
}

// applyConfig applies the hot-reloadable parts of next: logging, modules and
// the HTTP server.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if restartSections[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))
	a.applyModules(prev, next)

	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, next)
				lastApplied = next
			}
		}
	})
}
