package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSystemState returns the value stored under key, or "" if none is.
func (s *Store) GetSystemState(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM system_state WHERE key = ?
	`, key).Scan(&val)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get system state %s: %w", key, err)
	}

	return val, nil
}

// SetSystemState stores value under key, replacing any previous value.
func (s *Store) SetSystemState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())

	if err != nil {
		return fmt.Errorf("failed to set system state %s: %w", key, err)
	}

	return nil
}
