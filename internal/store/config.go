// ABOUTME: Store methods for runtime-mutable queue settings in queue_config.
// ABOUTME: Settings take effect on next use; in-flight jobs keep captured values.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrUnknownSetting — the key is not one of the recognized queue settings.
var ErrUnknownSetting = errors.New("unknown config key")

// Settings is the decoded snapshot of the queue_config table.
type Settings struct {
	MaxWorkers            int
	PollInterval          time.Duration
	ShutdownTimeout       time.Duration
	MaxRetries            int
	BaseDelay             time.Duration
	MaxDelay              time.Duration
	DefaultTimeout        time.Duration
	CleanupCompletedAfter time.Duration
	CleanupFailedAfter    time.Duration
}

// settingDefaults holds the seed values; ResetSettings restores them and
// Settings decoding falls back to them on a missing row.
var settingDefaults = map[string]string{
	"workers.max":                  "5",
	"workers.poll_interval":        "1s",
	"workers.shutdown_timeout":     "30s",
	"retry.max_retries":            "3",
	"retry.base_delay":             "1s",
	"retry.max_delay":              "5m",
	"jobs.default_timeout":         "30m",
	"jobs.cleanup_completed_after": "168h",
	"jobs.cleanup_failed_after":    "720h",
}

// GetSetting returns the raw value for key, or ErrUnknownSetting.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	if _, ok := settingDefaults[key]; !ok {
		return "", fmt.Errorf("get setting %s: %w", key, ErrUnknownSetting)
	}
	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM queue_config WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return settingDefaults[key], nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, nil
}

// SetSetting validates and writes a setting. Integer keys must parse as
// non-negative ints; the rest must parse as Go durations.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if _, ok := settingDefaults[key]; !ok {
		return fmt.Errorf("set setting %s: %w", key, ErrUnknownSetting)
	}
	switch key {
	case "workers.max", "retry.max_retries":
		if n, err := strconv.Atoi(value); err != nil || n < 0 {
			return fmt.Errorf("set setting %s: value %q is not a non-negative integer", key, value)
		}
	default:
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("set setting %s: value %q is not a duration: %w", key, value, err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_config (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// AllSettings returns every recognized setting as raw strings.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(settingDefaults))
	for k, v := range settingDefaults {
		out[k] = v
	}
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM queue_config`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("list settings: %w", err)
		}
		if _, ok := out[k]; ok {
			out[k] = v
		}
	}
	return out, rows.Err()
}

// ResetSettings restores every setting to its default value.
func (s *Store) ResetSettings(ctx context.Context) error {
	for k, v := range settingDefaults {
		if err := s.SetSetting(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// LoadSettings decodes the full settings snapshot for the queue service and
// worker pool. Unparseable stored values fall back to their defaults.
func (s *Store) LoadSettings(ctx context.Context) (Settings, error) {
	raw, err := s.AllSettings(ctx)
	if err != nil {
		return Settings{}, err
	}
	intOf := func(key string) int {
		n, err := strconv.Atoi(raw[key])
		if err != nil {
			n, _ = strconv.Atoi(settingDefaults[key])
		}
		return n
	}
	durOf := func(key string) time.Duration {
		d, err := time.ParseDuration(raw[key])
		if err != nil {
			d, _ = time.ParseDuration(settingDefaults[key])
		}
		return d
	}
	return Settings{
		MaxWorkers:            intOf("workers.max"),
		PollInterval:          durOf("workers.poll_interval"),
		ShutdownTimeout:       durOf("workers.shutdown_timeout"),
		MaxRetries:            intOf("retry.max_retries"),
		BaseDelay:             durOf("retry.base_delay"),
		MaxDelay:              durOf("retry.max_delay"),
		DefaultTimeout:        durOf("jobs.default_timeout"),
		CleanupCompletedAfter: durOf("jobs.cleanup_completed_after"),
		CleanupFailedAfter:    durOf("jobs.cleanup_failed_after"),
	}, nil
}
