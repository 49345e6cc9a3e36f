package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dietrichmax/colota/internal/backup"
)

// BackupStore represents a store that can write a consistent backup file.
type BackupStore interface {
	BackupTo(ctx context.Context, path string) error
}

// BackupCoordinator periodically writes a consistent database backup and
// uploads it through the configured uploader. Failures are logged and never
// fatal; the local database remains the source of truth.
type BackupCoordinator struct {
	store    BackupStore
	uploader backup.Uploader
	interval time.Duration
}

// NewBackupCoordinator creates a backup coordinator.
// The uploader decides whether anything leaves the machine; with the noop
// uploader the local backup file is still written.
func NewBackupCoordinator(store BackupStore, uploader backup.Uploader, interval time.Duration) *BackupCoordinator {
	return &BackupCoordinator{
		store:    store,
		uploader: uploader,
		interval: interval,
	}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
func (c *BackupCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "backup-coordinator",
		"action", "worker_started",
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.backup(ctx)
		}
	}
}

func (c *BackupCoordinator) backup(ctx context.Context) {
	dir, err := os.MkdirTemp("", "colota-backup-*")
	if err != nil {
		slog.Error("backup staging dir failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"action", "backup_failed",
			"error", err,
		)
		return
	}
	defer os.RemoveAll(dir)

	name := time.Now().UTC().Format("20060102T150405Z")
	path := filepath.Join(dir, name+".db")

	if err := c.store.BackupTo(ctx, path); err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown, don't log as error
		}
		slog.Warn("backup generation failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"action", "backup_failed",
			"error", err,
		)
		return
	}

	if err := c.uploader.Upload(ctx, name, path); err != nil {
		slog.Warn("backup upload failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"action", "backup_upload_failed",
			"error", err,
		)
		return
	}

	slog.Info("backup completed",
		"component", "worker",
		"worker", "backup-coordinator",
		"action", "backup_complete",
		"name", name,
	)
}
