// Package scheduler runs engine cycles at a fixed interval.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"inboxflow/internal/engine"
)

const DefaultInterval = 30 * time.Second

// Cycler is satisfied by *engine.Engine.
type Cycler interface {
	Cycle(ctx context.Context, s engine.State) (engine.State, engine.Report, error)
}

// Loop runs one cycle, sleeps, and repeats. Cancelling the context stops
// the loop at the next sleep; a cycle already running completes first.
type Loop struct {
	Engine   Cycler
	Interval time.Duration
	Logger   *slog.Logger
	// OnCycle, when set, observes every completed cycle.
	OnCycle func(n int, rep engine.Report, err error)
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Run cycles until ctx is done and returns the last state.
func (l *Loop) Run(ctx context.Context, s engine.State) (engine.State, error) {
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	cycleCtx := context.WithoutCancel(ctx)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			l.logger().Info("scheduler stopped", "cycles", n-1)
			return s, nil
		case <-timer.C:
		}
		if ctx.Err() != nil {
			l.logger().Info("scheduler stopped", "cycles", n-1)
			return s, nil
		}
		start := time.Now()
		next, rep, err := l.Engine.Cycle(cycleCtx, s)
		s = next
		if err != nil {
			l.logger().Error("cycle completed with errors", "cycle", n, "err", err)
		} else {
			l.logger().Debug("cycle completed", "cycle", n, "took", time.Since(start),
				"executed", len(rep.Executed), "routed", len(rep.Routed), "faults", len(rep.Faults))
		}
		if l.OnCycle != nil {
			l.OnCycle(n, rep, err)
		}
		timer.Reset(interval)
	}
}
