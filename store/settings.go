package store

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"strings"

	"github.com/teranos/drover/errors"
)

// SettingMaintenanceMode suspends timer-driven scheduling when "true"
const SettingMaintenanceMode = "maintenance_mode"

// Setting returns a server setting
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM server_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to read setting %s", key)
	}
	return value, true, nil
}

// SetSetting writes a server setting
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return errors.Wrapf(err, "failed to write setting %s", key)
	}
	return nil
}

// MaintenanceMode reports whether scheduling is suspended. Read failures are
// logged and treated as not in maintenance.
func (s *Store) MaintenanceMode(ctx context.Context) bool {
	value, ok, err := s.Setting(ctx, SettingMaintenanceMode)
	if err != nil {
		s.warnRead("Failed to read maintenance mode", err)
		return false
	}
	if !ok {
		return false
	}
	on, _ := strconv.ParseBool(value)
	return on
}

// SetMaintenanceMode turns maintenance mode on or off
func (s *Store) SetMaintenanceMode(ctx context.Context, on bool) error {
	return s.SetSetting(ctx, SettingMaintenanceMode, strconv.FormatBool(on))
}

// splitList splits a comma-separated list, sorted
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	sort.Strings(parts)
	return parts
}
