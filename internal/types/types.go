package types

import (
	"encoding/json"
	"time"
)

// BatteryStatus mirrors the wire contract's `bs` field.
type BatteryStatus int

const (
	BatteryUnknown   BatteryStatus = 0
	BatteryUnplugged BatteryStatus = 1
	BatteryCharging  BatteryStatus = 2
	BatteryFull      BatteryStatus = 3
)

// TrackingState represents the state machine's current state.
type TrackingState string

const (
	StateStopped      TrackingState = "stopped"
	StateInitializing TrackingState = "initializing"
	StateActive       TrackingState = "active"
	StatePausedInZone TrackingState = "paused_in_zone"
)

// LocationFix is an immutable location sample. It is created when a fix is
// accepted and never mutated; deletion happens only through retention and
// clear operations.
type LocationFix struct {
	ID            string        `json:"id"`
	Latitude      float64       `json:"latitude"`
	Longitude     float64       `json:"longitude"`
	Accuracy      float64       `json:"accuracy"`
	Altitude      *float64      `json:"altitude,omitempty"`
	Speed         float64       `json:"speed"`
	Bearing       *float64      `json:"bearing,omitempty"`
	Battery       int           `json:"battery"`
	BatteryStatus BatteryStatus `json:"battery_status"`
	Timestamp     int64         `json:"timestamp"` // unix seconds
	Endpoint      string        `json:"endpoint"`  // endpoint at capture time
	Delivered     bool          `json:"delivered"`
	CreatedAt     time.Time     `json:"created_at"`
}

// OutboxEntry is a pending delivery attempt for a LocationFix.
// It is inserted in the same transaction as its fix and removed on delivery
// success or permanent failure.
type OutboxEntry struct {
	ID         string    `json:"id"`
	LocationID string    `json:"location_id"`
	Payload    string    `json:"payload"` // serialized JSON wire payload
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// GeofenceZone is a named circular region. Zones flagged PauseTracking
// suppress recording while the device is inside them.
type GeofenceZone struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	RadiusMeters  float64 `json:"radius_meters"`
	PauseTracking bool    `json:"pause_tracking"`
	Enabled       bool    `json:"enabled"`
}

// ConditionType classifies what activates a tracking profile.
type ConditionType string

const (
	ConditionCharging     ConditionType = "charging"
	ConditionSpeedAbove   ConditionType = "speed_above"
	ConditionCarConnected ConditionType = "car_connected"
)

// TrackingProfile is a named parameter bundle applied while its condition
// holds. At most one profile is active: the highest-priority enabled profile
// whose condition currently holds.
type TrackingProfile struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	IntervalMs          int           `json:"interval_ms"`
	MinDistance         float64       `json:"min_distance"`
	SyncIntervalSeconds int           `json:"sync_interval_seconds"`
	Priority            int           `json:"priority"`
	ConditionType       ConditionType `json:"condition_type"`
	SpeedThreshold      *float64      `json:"speed_threshold,omitempty"`
	DeactivationDelayS  int           `json:"deactivation_delay_seconds"`
	Enabled             bool          `json:"enabled"`
}

// ServiceConfig is the merged, ephemeral tracking configuration: persisted
// settings plus runtime overrides from the active profile. With no override
// present it round-trips losslessly through the settings table.
type ServiceConfig struct {
	IntervalMs           int               `json:"interval_ms"`
	MinDistance          float64           `json:"min_distance"`
	Endpoint             string            `json:"endpoint"`
	SyncIntervalSeconds  int               `json:"sync_interval_seconds"`
	MaxRetries           int               `json:"max_retries"`
	AccuracyThreshold    float64           `json:"accuracy_threshold"`
	FilterInaccurate     bool              `json:"filter_inaccurate"`
	RetryIntervalSeconds int               `json:"retry_interval_seconds"`
	OfflineMode          bool              `json:"offline_mode"`
	WifiOnlySync         bool              `json:"wifi_only_sync"`
	FieldMap             map[string]string `json:"field_map,omitempty"`
	CustomFields         map[string]string `json:"custom_fields,omitempty"`
	HTTPMethod           string            `json:"http_method"`
	TrackingEnabled      bool              `json:"tracking_enabled"`
}

// EventKind identifies an emitted engine event.
type EventKind string

const (
	EventLocationUpdated     EventKind = "location-updated"
	EventPauseZoneChanged    EventKind = "pause-zone-changed"
	EventTrackingStopped     EventKind = "tracking-stopped"
	EventSyncError           EventKind = "sync-error"
	EventNotificationRefresh EventKind = "notification-refresh"
)

// Event is a fire-and-forget engine notification. Observers receive events
// best-effort; no acknowledgment is expected.
type Event struct {
	Kind EventKind `json:"kind"`

	// Fix is set for location-updated events.
	Fix *LocationFix `json:"fix,omitempty"`

	// ZoneName and Entered are set for pause-zone-changed events.
	ZoneName string `json:"zone_name,omitempty"`
	Entered  bool   `json:"entered,omitempty"`

	// Reason is set for tracking-stopped events.
	Reason string `json:"reason,omitempty"`

	// FailedCycles is set for sync-error events.
	FailedCycles int `json:"failed_cycles,omitempty"`

	// Notification is set for notification-refresh events.
	Notification *NotificationData `json:"notification,omitempty"`
}

// NotificationData is the raw material the notification collaborator formats:
// position, pause state and queue depth, nothing more.
type NotificationData struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Paused     bool    `json:"paused"`
	PausedZone string  `json:"paused_zone,omitempty"`
	QueueDepth int64   `json:"queue_depth"`
}

// StatusResponse is the control API's status payload.
type StatusResponse struct {
	State         TrackingState `json:"state"`
	QueueDepth    int64         `json:"queue_depth"`
	ActiveProfile string        `json:"active_profile,omitempty"`
	PausedZone    string        `json:"paused_zone,omitempty"`
	Endpoint      string        `json:"endpoint"`
}

// HealthResponse is the control API's health payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	State   string `json:"state"`
}

// MarshalJSON ensures nil maps in ServiceConfig marshal as {} not null.
func (c ServiceConfig) MarshalJSON() ([]byte, error) {
	if c.FieldMap == nil {
		c.FieldMap = map[string]string{}
	}
	if c.CustomFields == nil {
		c.CustomFields = map[string]string{}
	}
	type Alias ServiceConfig
	return json.Marshal(Alias(c))
}
