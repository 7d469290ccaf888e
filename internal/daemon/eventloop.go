package daemon

import (
	"context"
	"time"
)

// EventLoop handles periodic housekeeping while the daemon runs
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon, interval time.Duration) *EventLoop {
	if interval <= 0 {
		interval = time.Minute
	}
	return &EventLoop{
		daemon:   d,
		interval: interval,
	}
}

// Run runs the event loop until ctx is done
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks logs the vault backlog for monitoring
func (e *EventLoop) processTasks(ctx context.Context) {
	pending, active, err := e.daemon.runtime.Counts(ctx)
	if err != nil {
		e.daemon.logger.Warn().Err(err).Msg("Failed to read vault backlog")
		return
	}
	if pending > 0 || active > 0 {
		e.daemon.logger.Debug().
			Int("pending_approvals", pending).
			Int("active_plans", active).
			Msg("Vault backlog")
	}
}
