package readiness

import (
	"context"
	"log/slog"
	"time"
)

// Gate waits for the backend to become healthy during startup.
type Gate struct {
	prober   Prober
	interval time.Duration
	deadline time.Duration
	logger   *slog.Logger
}

// NewGate returns a Gate probing every interval for at most deadline. Zero
// values select DefaultInterval and DefaultDeadline.
func NewGate(prober Prober, interval, deadline time.Duration, logger *slog.Logger) *Gate {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		prober:   prober,
		interval: interval,
		deadline: deadline,
		logger:   logger,
	}
}

// Wait returns true as soon as a probe succeeds, false when the deadline
// expires or ctx is cancelled first. The first probe is immediate.
func (g *Gate) Wait(ctx context.Context) bool {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for probes := 1; ; probes++ {
		if g.prober.CheckHealth(ctx) {
			g.logger.InfoContext(ctx, "backend ready",
				"probes", probes,
				"elapsed", time.Since(start).Round(time.Millisecond).String(),
			)
			return true
		}
		select {
		case <-ctx.Done():
			if time.Since(start) >= g.deadline {
				g.logger.WarnContext(ctx, "backend not ready before deadline",
					"probes", probes,
					"deadline", g.deadline.String(),
				)
			} else {
				g.logger.DebugContext(ctx, "readiness wait cancelled", "probes", probes)
			}
			return false
		case <-ticker.C:
		}
	}
}
