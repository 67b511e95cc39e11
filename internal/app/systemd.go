package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "hostwatch/pkg/logx"
)

// sdNotify sends state to the service manager. Outside systemd
// (NOTIFY_SOCKET unset) it is a no-op.
func (a *App) sdNotify(state string) {
	if !a.notify {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// startWatchdog pings the systemd watchdog at half its interval while the
// pool still accepts work.
func (a *App) startWatchdog() {
	if !a.notify {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	every := interval / 2
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := a.alive(); err != nil {
					a.log.Warn("watchdog ping withheld", logx.Err(err))
					continue
				}
				a.sdNotify(daemon.SdNotifyWatchdog)
			}
		}
	})
}
