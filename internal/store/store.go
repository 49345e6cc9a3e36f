package store

import (
	"context"
	"time"

	"github.com/dietrichmax/colota/internal/types"
)

// Store defines the interface contract for all durable tracking storage.
type Store interface {
	// Outbox write path: the fix and its queue entry are inserted in one
	// transaction so a fix can never exist without a delivery attempt.
	InsertFixWithQueueEntry(ctx context.Context, fix types.LocationFix, payload string) (*types.LocationFix, *types.OutboxEntry, error)

	// Delivery read path: entries ordered by retry_count ASC, created_at ASC.
	DequeueBatch(ctx context.Context, limit int) ([]types.OutboxEntry, error)
	MarkDelivered(ctx context.Context, entryIDs []string) error
	RecordFailure(ctx context.Context, entryID string, lastError string) (int, error)
	DropEntries(ctx context.Context, entryIDs []string) error
	QueueDepth(ctx context.Context) (int64, error)

	// Retention and clear operations.
	ClearQueue(ctx context.Context) (int64, error)
	ClearSentHistory(ctx context.Context) (int64, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Settings persistence for ServiceConfig.
	SaveSettings(ctx context.Context, cfg types.ServiceConfig) error
	LoadSettings(ctx context.Context) (*types.ServiceConfig, error)
	SetTrackingEnabled(ctx context.Context, enabled bool) error

	// Geofence zones, owned by the UI layer through the control API.
	ListZones(ctx context.Context, enabledOnly bool) ([]types.GeofenceZone, error)
	SaveZone(ctx context.Context, zone types.GeofenceZone) error
	DeleteZone(ctx context.Context, id string) error

	// Tracking profiles.
	ListProfiles(ctx context.Context, enabledOnly bool) ([]types.TrackingProfile, error)
	SaveProfile(ctx context.Context, profile types.TrackingProfile) error
	DeleteProfile(ctx context.Context, id string) error

	Close() error
}
