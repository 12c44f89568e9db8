package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// sync_state keys.
const (
	StateLastSync  = "last_sync"
	StateLastError = "last_error"
)

// GetState returns the value stored under key and whether it exists.
func (db *DB) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read sync state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState stores value under key.
func (db *DB) SetState(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := db.conn.ExecContext(ctx, query, key, value, formatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to write sync state %s: %w", key, err)
	}
	return nil
}

// DeleteState removes key. Returns nil if it doesn't exist.
func (db *DB) DeleteState(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete sync state %s: %w", key, err)
	}
	return nil
}

// RecordSuccess stores the time of the last successful pass and clears the
// last error.
func (db *DB) RecordSuccess(ctx context.Context, at time.Time) error {
	if err := db.SetState(ctx, StateLastSync, formatTime(at)); err != nil {
		return err
	}
	return db.DeleteState(ctx, StateLastError)
}

// RecordError stores the message of the last failed pass.
func (db *DB) RecordError(ctx context.Context, message string) error {
	return db.SetState(ctx, StateLastError, message)
}

// ClearSyncState forgets the last sync time and error.
func (db *DB) ClearSyncState(ctx context.Context) error {
	if err := db.DeleteState(ctx, StateLastSync); err != nil {
		return err
	}
	return db.DeleteState(ctx, StateLastError)
}

// LastSync returns the time of the last successful pass, or nil.
func (db *DB) LastSync(ctx context.Context) (*time.Time, error) {
	value, ok, err := db.GetState(ctx, StateLastSync)
	if err != nil || !ok {
		return nil, err
	}
	return nullStringToTime(sql.NullString{String: value, Valid: true}), nil
}

// LastError returns the message of the last failed pass, or "".
func (db *DB) LastError(ctx context.Context) (string, error) {
	value, _, err := db.GetState(ctx, StateLastError)
	return value, err
}
