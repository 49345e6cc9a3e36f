// Package worker contains the engine's background maintenance loops.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// RetentionStore defines the store operations needed by the retention worker.
type RetentionStore interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionCoordinator periodically deletes fixes older than the configured
// maximum age. Queue entries referencing purged fixes go with them via the
// foreign-key cascade.
type RetentionCoordinator struct {
	store    RetentionStore
	maxAge   time.Duration
	interval time.Duration
}

// NewRetentionCoordinator creates a retention coordinator. A maxAge of zero
// disables purging; Run exits immediately.
func NewRetentionCoordinator(store RetentionStore, maxAge, interval time.Duration) *RetentionCoordinator {
	return &RetentionCoordinator{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
	}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
func (c *RetentionCoordinator) Run(ctx context.Context) {
	if c.maxAge <= 0 {
		slog.Info("retention disabled",
			"component", "worker",
			"worker", "retention-coordinator",
		)
		return
	}

	slog.Info("worker started",
		"component", "worker",
		"worker", "retention-coordinator",
		"action", "worker_started",
		"max_age", c.maxAge.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Purge immediately on start, then on each tick
	c.purge(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "retention-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.purge(ctx)
		}
	}
}

func (c *RetentionCoordinator) purge(ctx context.Context) {
	cutoff := time.Now().Add(-c.maxAge)

	purged, err := c.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("retention purge failed",
			"component", "worker",
			"worker", "retention-coordinator",
			"action", "purge_failed",
			"error", err,
		)
		return
	}

	if purged > 0 {
		slog.Info("retention purge completed",
			"component", "worker",
			"worker", "retention-coordinator",
			"action", "purge_complete",
			"purged", purged,
		)
	}
}
