package pool

import (
	"context"
	"log/slog"
	"time"
)

// StartTimeoutWorker runs a background goroutine that periodically fails
// pools stuck negotiating for longer than maxAge.
func (s *Service) StartTimeoutWorker(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Timeout worker started", "interval", interval, "max_age", maxAge)

		for {
			select {
			case <-ticker.C:
				s.sweepStale(ctx, time.Now(), maxAge)
			case <-ctx.Done():
				slog.Info("Timeout worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// sweepStale fails stale pools and returns how many it failed.
func (s *Service) sweepStale(ctx context.Context, now time.Time, maxAge time.Duration) int {
	failed := 0
	for _, p := range s.registry.All() {
		if !p.FailIfStale(now, maxAge) {
			continue
		}
		failed++
		s.persist(ctx, p)
		s.logger.Warn("Timeout worker failed stale negotiation", "pool_id", p.ID(), "max_age", maxAge)
	}
	if failed > 0 {
		slog.Info("Timeout worker sweep completed", "failed", failed)
	}
	return failed
}
