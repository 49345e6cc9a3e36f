package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dietrichmax/colota/internal/types"
	"github.com/oklog/ulid/v2"
)

// ListZones returns geofence zones, optionally restricted to enabled ones.
func (s *SQLiteStore) ListZones(ctx context.Context, enabledOnly bool) ([]types.GeofenceZone, error) {
	query := `SELECT id, name, latitude, longitude, radius_m, pause_tracking, enabled FROM geofences`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query geofences: %w", err)
	}
	defer rows.Close()

	var zones []types.GeofenceZone
	for rows.Next() {
		var z types.GeofenceZone
		if err := rows.Scan(&z.ID, &z.Name, &z.Latitude, &z.Longitude, &z.RadiusMeters, &z.PauseTracking, &z.Enabled); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		zones = append(zones, z)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return zones, nil
}

// SaveZone inserts or updates a geofence zone. An empty ID gets a new ULID.
func (s *SQLiteStore) SaveZone(ctx context.Context, zone types.GeofenceZone) error {
	if zone.ID == "" {
		zone.ID = ulid.Make().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO geofences (id, name, latitude, longitude, radius_m, pause_tracking, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			radius_m = excluded.radius_m,
			pause_tracking = excluded.pause_tracking,
			enabled = excluded.enabled
	`, zone.ID, zone.Name, zone.Latitude, zone.Longitude, zone.RadiusMeters, zone.PauseTracking, zone.Enabled)
	if err != nil {
		return fmt.Errorf("save geofence: %w", err)
	}

	return nil
}

// DeleteZone removes a geofence zone by ID.
func (s *SQLiteStore) DeleteZone(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM geofences WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete geofence: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// ListProfiles returns tracking profiles sorted by descending priority.
func (s *SQLiteStore) ListProfiles(ctx context.Context, enabledOnly bool) ([]types.TrackingProfile, error) {
	query := `SELECT id, name, interval_ms, min_distance_m, sync_interval_s, priority, condition_type, speed_threshold, deactivation_delay_s, enabled FROM tracking_profiles`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY priority DESC, name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []types.TrackingProfile
	for rows.Next() {
		var p types.TrackingProfile
		var threshold sql.NullFloat64
		if err := rows.Scan(&p.ID, &p.Name, &p.IntervalMs, &p.MinDistance, &p.SyncIntervalSeconds,
			&p.Priority, &p.ConditionType, &threshold, &p.DeactivationDelayS, &p.Enabled); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if threshold.Valid {
			v := threshold.Float64
			p.SpeedThreshold = &v
		}
		profiles = append(profiles, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return profiles, nil
}

// SaveProfile inserts or updates a tracking profile. An empty ID gets a new ULID.
func (s *SQLiteStore) SaveProfile(ctx context.Context, profile types.TrackingProfile) error {
	if profile.ID == "" {
		profile.ID = ulid.Make().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracking_profiles (id, name, interval_ms, min_distance_m, sync_interval_s, priority, condition_type, speed_threshold, deactivation_delay_s, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			interval_ms = excluded.interval_ms,
			min_distance_m = excluded.min_distance_m,
			sync_interval_s = excluded.sync_interval_s,
			priority = excluded.priority,
			condition_type = excluded.condition_type,
			speed_threshold = excluded.speed_threshold,
			deactivation_delay_s = excluded.deactivation_delay_s,
			enabled = excluded.enabled
	`, profile.ID, profile.Name, profile.IntervalMs, profile.MinDistance, profile.SyncIntervalSeconds,
		profile.Priority, profile.ConditionType, profile.SpeedThreshold, profile.DeactivationDelayS, profile.Enabled)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}

	return nil
}

// DeleteProfile removes a tracking profile by ID.
func (s *SQLiteStore) DeleteProfile(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tracking_profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}
