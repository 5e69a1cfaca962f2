package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetMetadata returns the integrity_metadata value for key. ok is false
// when the key is absent.
func (db *DB) GetMetadata(ctx context.Context, key string) (value string, ok bool, err error) {
	return getMetadata(ctx, db, key)
}

// SetMetadata upserts an integrity_metadata value.
func (db *DB) SetMetadata(ctx context.Context, key, value string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		return setMetadata(ctx, tx, key, value, time.Now())
	})
}

// GetMetadataTx reads an integrity_metadata value through q.
func GetMetadataTx(ctx context.Context, q Querier, key string) (string, bool, error) {
	return getMetadata(ctx, q, key)
}

// SetMetadataTx upserts an integrity_metadata value through q.
func SetMetadataTx(ctx context.Context, q Querier, key, value string) error {
	return setMetadata(ctx, q, key, value, time.Now())
}

func getMetadata(ctx context.Context, q Querier, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM integrity_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading metadata %s: %w", key, err)
	}
	return value, true, nil
}

func setMetadata(ctx context.Context, q Querier, key, value string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO integrity_metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, formatTime(now))
	if err != nil {
		return fmt.Errorf("writing metadata %s: %w", key, err)
	}
	return nil
}
