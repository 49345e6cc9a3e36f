package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dietrichmax/colota/internal/types"
)

// serviceConfigKey is the settings row holding the serialized ServiceConfig.
const serviceConfigKey = "service_config"

// SaveSettings persists the full ServiceConfig. The encoding round-trips
// losslessly: LoadSettings returns identical field values.
func (s *SQLiteStore) SaveSettings(ctx context.Context, cfg types.ServiceConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, serviceConfigKey, string(data))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	return nil
}

// LoadSettings returns the persisted ServiceConfig, or ErrNotFound when no
// settings have been saved yet.
func (s *SQLiteStore) LoadSettings(ctx context.Context) (*types.ServiceConfig, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, serviceConfigKey).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load settings: %w", err)
	}

	var cfg types.ServiceConfig
	if err := json.Unmarshal([]byte(value), &cfg); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	return &cfg, nil
}

// SetTrackingEnabled flips only the tracking_enabled flag, preserving the
// rest of the persisted settings. Used by the battery-critical stop so a
// reboot-triggered restart does not resume tracking automatically.
func (s *SQLiteStore) SetTrackingEnabled(ctx context.Context, enabled bool) error {
	cfg, err := s.LoadSettings(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		cfg = &types.ServiceConfig{}
	}

	cfg.TrackingEnabled = enabled
	return s.SaveSettings(ctx, *cfg)
}
