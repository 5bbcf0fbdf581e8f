package app

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper enforces battle time limits.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// Reaper calls Sweep on a fixed interval until its context ends.
type Reaper struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
}

func NewReaper(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reaper{sweeper: sweeper, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.sweeper.Sweep(ctx); err != nil {
				r.logger.Warn("battle sweep failed", "err", err)
			}
		}
	}
}
