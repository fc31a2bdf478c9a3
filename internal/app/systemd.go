package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "crankd/pkg/logx"
)

// sdNotifier talks to systemd over NOTIFY_SOCKET. Outside systemd every call
// is a no-op.
type sdNotifier struct {
	enabled bool
	log     logx.Logger
	notify  func(state string) (bool, error)
	// watchdog returns the interval systemd expects pings at, 0 when off.
	watchdog func() (time.Duration, error)
}

func newSDNotifier(enabled bool, log logx.Logger) *sdNotifier {
	return &sdNotifier{
		enabled:  enabled,
		log:      log.With(logx.String("comp", "systemd")),
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *sdNotifier) send(states ...string) {
	if n == nil || !n.enabled {
		return
	}
	for _, st := range states {
		sent, err := n.notify(st)
		if err != nil {
			n.log.Warn("sd_notify failed", logx.String("state", st), logx.Err(err))
			return
		}
		if !sent {
			n.log.Debug("sd_notify skipped (no NOTIFY_SOCKET)")
			return
		}
	}
}

func (n *sdNotifier) ready() { n.send(daemon.SdNotifyReady, "STATUS=cranking") }
func (n *sdNotifier) reloading() { n.send(daemon.SdNotifyReloading) }
func (n *sdNotifier) reloaded() { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) stopping(reason StopReason) { n.send(daemon.SdNotifyStopping, fmt.Sprintf("STATUS=stopping: %s", reason)) }

// watchdogLoop pings systemd at half the configured interval while healthy
// reports true. A worker stuck in one pass stops the pings and systemd
// restarts the unit.
func (n *sdNotifier) watchdogLoop(ctx context.Context, healthy func() bool) error {
	if n == nil || !n.enabled {
		return nil
	}
	interval, err := n.watchdog()
	if err != nil {
		n.log.Warn("watchdog lookup failed", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	n.log.Info("watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy() {
				n.send(daemon.SdNotifyWatchdog)
			} else {
				n.log.Warn("worker unhealthy; withholding watchdog ping")
			}
		}
	}
}
