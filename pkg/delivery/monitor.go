package delivery

import (
	"context"
	"log/slog"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// SessionChecker reads the gateway-side status of one session.
type SessionChecker interface {
	SessionStatus(ctx context.Context, session string) (string, error)
}

// Monitor sweeps every registered device against the gateway so the
// stored health catches up even when status webhooks were missed.
type Monitor struct {
	devices  *DeviceStore
	gateway  SessionChecker
	interval time.Duration
}

// NewMonitor creates a session health sweep. interval <= 0 takes the
// default.
func NewMonitor(devices *DeviceStore, gw SessionChecker, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Monitor{devices: devices, gateway: gw, interval: interval}
}

// Sweep reconciles every device once. A session the gateway cannot
// answer for is left untouched; a status webhook or the next sweep
// will catch it.
func (m *Monitor) Sweep(ctx context.Context) error {
	devices, err := m.devices.List(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		status, err := m.gateway.SessionStatus(ctx, d.SessionName)
		if err != nil {
			slog.Warn("session status check failed", "session", d.SessionName, "error", err)
			continue
		}
		if status == "" || status == d.Status {
			continue
		}
		if err := m.devices.SetStatus(ctx, d.SessionName, status); err != nil {
			slog.Warn("device status update failed", "session", d.SessionName, "error", err)
			continue
		}
		slog.Info("device status reconciled", "session", d.SessionName,
			"from", d.Status, "to", status)
	}
	return nil
}

// Run sweeps on the configured interval until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				slog.Warn("device sweep failed", "error", err)
			}
		}
	}
}
