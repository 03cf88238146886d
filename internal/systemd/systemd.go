// Package systemd wraps coreos/go-systemd for `rootprobe serve` running as a
// Type=notify unit: READY/STOPPING/STATUS notifications and watchdog pings.
// Every call is a no-op when NOTIFY_SOCKET is not set.
package systemd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages.
type Notifier struct {
	logger *slog.Logger
	notify func(state string) (bool, error)
}

// NewNotifier creates a Notifier for the current process.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		logger: logger.With(slog.String("component", "systemd")),
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

func (n *Notifier) send(state, what string) bool {
	sent, err := n.notify(state)
	if err != nil {
		n.logger.Warn("failed to send systemd notification", slog.String("state", what), slog.String("error", err.Error()))
		return false
	}
	if sent {
		n.logger.Debug("sent systemd notification", slog.String("state", what))
	}
	return sent
}

// Ready reports that startup finished. It returns true if systemd received it.
func (n *Notifier) Ready() bool {
	return n.send(daemon.SdNotifyReady, "ready")
}

// Stopping reports that shutdown began.
func (n *Notifier) Stopping() bool {
	return n.send(daemon.SdNotifyStopping, "stopping")
}

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(status string) bool {
	return n.send("STATUS="+status, "status")
}

// HealthCheckFunc returns true if the service is healthy.
type HealthCheckFunc func() bool

// StartWatchdog pings the watchdog every half WatchdogSec while healthCheck
// passes, until ctx is cancelled. It does nothing when the unit has no
// watchdog.
func (n *Notifier) StartWatchdog(ctx context.Context, healthCheck HealthCheckFunc) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		n.logger.Debug("watchdog not enabled")
		return
	}

	pingInterval := interval / 2
	n.logger.Info("starting systemd watchdog",
		slog.Duration("watchdog_interval", interval),
		slog.Duration("ping_interval", pingInterval),
	)
	go n.watchdogLoop(ctx, pingInterval, healthCheck)
}

func (n *Notifier) watchdogLoop(ctx context.Context, interval time.Duration, healthCheck HealthCheckFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if healthCheck() {
				n.send(daemon.SdNotifyWatchdog, "watchdog")
			} else {
				n.logger.Warn("health check failed, skipping watchdog ping")
			}
		}
	}
}

// IsRunningUnderSystemd returns true if the process was started by systemd.
func IsRunningUnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
