package watchdog

import (
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/taniwha3/swapdog/internal/controller"
)

// notifyFunc matches daemon.SdNotify
type notifyFunc func(unsetEnvironment bool, state string) (bool, error)

// Pinger sends systemd notifications. Keepalives are driven by completed
// control loop iterations rather than a ticker, so a stuck loop stops
// pinging and systemd restarts the service.
type Pinger struct {
	controller.NopObserver

	enabled  bool
	timeout  time.Duration
	interval time.Duration
	lastPing time.Time
	logger   *slog.Logger
	notify   notifyFunc
	now      func() time.Time
}

// NewPinger creates a new watchdog pinger
// It automatically detects if running under systemd with watchdog enabled
func NewPinger(logger *slog.Logger) *Pinger {
	p := &Pinger{
		logger: logger,
		notify: daemon.SdNotify,
		now:    time.Now,
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		logger.Info("systemd watchdog not enabled, skipping watchdog notifications")
		return p
	}

	// Ping at half the watchdog interval for safety margin
	p.enabled = true
	p.timeout = interval
	p.interval = interval / 2

	logger.Info("systemd watchdog enabled",
		"watchdog_timeout", interval,
		"ping_interval", p.interval,
	)

	return p
}

// ObserveIteration sends WATCHDOG=1, at most once per ping interval
func (p *Pinger) ObserveIteration(controller.Iteration) {
	if !p.enabled {
		return
	}

	now := p.now()
	if !p.lastPing.IsZero() && now.Sub(p.lastPing) < p.interval {
		return
	}

	sent, err := p.notify(false, daemon.SdNotifyWatchdog)
	if err != nil {
		p.logger.Error("failed to send watchdog ping", "error", err)
		return
	}
	p.lastPing = now
	if sent {
		p.logger.Debug("watchdog ping sent")
	}
}

// NotifyReady sends a ready notification to systemd. It is a no-op
// outside systemd.
func (p *Pinger) NotifyReady() {
	sent, err := p.notify(false, daemon.SdNotifyReady)
	if err != nil {
		p.logger.Error("failed to notify systemd ready", "error", err)
	} else if sent {
		p.logger.Info("notified systemd: service ready")
	}
}

// NotifyStopping sends a stopping notification to systemd
// This should be called before clean shutdown
func (p *Pinger) NotifyStopping() {
	sent, err := p.notify(false, daemon.SdNotifyStopping)
	if err != nil {
		p.logger.Error("failed to notify systemd stopping", "error", err)
	} else if sent {
		p.logger.Info("notified systemd: service stopping")
	}
}

// IsEnabled returns whether watchdog is enabled
func (p *Pinger) IsEnabled() bool {
	return p.enabled
}

// GetInterval returns the ping interval
func (p *Pinger) GetInterval() time.Duration {
	return p.interval
}

// CheckPeriod warns when the loop period leaves no room between pings.
// Pings are only sent after an iteration, so a period at or above the ping
// interval risks systemd restarting a healthy daemon. It reports whether
// the period is too long.
func (p *Pinger) CheckPeriod(period time.Duration) bool {
	if !p.enabled || period < p.interval {
		return false
	}
	p.logger.Warn("control loop period is too long for the systemd watchdog",
		"period", period,
		"ping_interval", p.interval,
		"watchdog_timeout", p.timeout,
	)
	return true
}

// IsRunningUnderSystemd checks if the process is running under systemd
func IsRunningUnderSystemd() bool {
	if os.Getenv("NOTIFY_SOCKET") != "" {
		return true
	}
	// INVOCATION_ID is set by systemd for all service units
	if os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	return false
}
