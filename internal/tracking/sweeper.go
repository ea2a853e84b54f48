package tracking

import (
	"context"
	"time"

	"github.com/banshee-data/congestion.report/internal/monitoring"
	"github.com/banshee-data/congestion.report/internal/timeutil"
)

// RunSweeper calls Sweep every interval until ctx is cancelled.
func RunSweeper(ctx context.Context, e *Engine, clock timeutil.Clock, interval time.Duration) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	monitoring.Logf("tracking sweeper started (interval %v, idle timeout %v)", interval, e.cfg.IdleTimeout)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("tracking sweeper stopped")
			return
		case now := <-ticker.C():
			if n := e.Sweep(now); n > 0 {
				monitoring.Logf("tracking sweeper evicted %d idle vehicles", n)
			}
		}
	}
}
