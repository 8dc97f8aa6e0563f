package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// runMaintenance fires the engine's cleanup sweeps on the configured cron
// expression. Checked once per minute, which matches cron granularity.
func (s *Server) runMaintenance(ctx context.Context) {
	expr := s.cfg.Gateway.MaintenanceCron
	if expr == "" || s.engine == nil {
		return
	}

	gron := gronx.New()
	if !gron.IsValid(expr) {
		slog.Error("invalid maintenance cron expression, sweeps disabled", "expr", expr)
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := gron.IsDue(expr, now)
			if err != nil {
				slog.Error("maintenance cron check failed", "expr", expr, "error", err)
				continue
			}
			if due {
				s.engine.Cleanup()
				slog.Debug("maintenance sweep completed")
			}
		}
	}
}
