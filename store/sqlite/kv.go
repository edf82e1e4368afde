package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/cascade"
)

// Get returns the unexpired value at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM cascade_kv
		WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, s.now().UnixMilli(),
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cascade.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cascade/sqlite: get: %w", err)
	}
	return v, nil
}

// Set upserts value at key.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = s.now().Add(ttl).UnixMilli()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO cascade_kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires,
	); err != nil {
		return fmt.Errorf("cascade/sqlite: set: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cascade_kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cascade/sqlite: delete: %w", err)
	}
	return nil
}
