package sqlite

import (
	"context"
	"fmt"
)

// migration is one forward-only schema step.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create_events_table",
		sql: `
			CREATE TABLE IF NOT EXISTS cascade_events (
				seq        INTEGER PRIMARY KEY AUTOINCREMENT,
				subject    TEXT    NOT NULL,
				ts         INTEGER NOT NULL,
				type       TEXT    NOT NULL,
				run_id     TEXT    NOT NULL DEFAULT '',
				flow_name  TEXT    NOT NULL DEFAULT '',
				step_name  TEXT    NOT NULL DEFAULT '',
				step_id    TEXT    NOT NULL DEFAULT '',
				attempt    INTEGER NOT NULL DEFAULT 0,
				data       BLOB
			);
			CREATE INDEX IF NOT EXISTS idx_cascade_events_subject ON cascade_events (subject, seq);`,
	},
	{
		version: 2,
		name:    "create_runs_table",
		sql: `
			CREATE TABLE IF NOT EXISTS cascade_runs (
				index_key  TEXT    NOT NULL,
				run_id     TEXT    NOT NULL,
				score      REAL    NOT NULL,
				meta       TEXT    NOT NULL,
				version    INTEGER NOT NULL DEFAULT 0,
				completed  INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (index_key, run_id)
			);
			CREATE INDEX IF NOT EXISTS idx_cascade_runs_score ON cascade_runs (index_key, score DESC, run_id DESC);`,
	},
	{
		version: 3,
		name:    "create_kv_table",
		sql: `
			CREATE TABLE IF NOT EXISTS cascade_kv (
				key        TEXT PRIMARY KEY,
				value      BLOB    NOT NULL,
				expires_at INTEGER NOT NULL DEFAULT 0
			);`,
	},
}

// Migrate applies pending migrations, recording each in
// cascade_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cascade_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT    NOT NULL,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("cascade/sqlite: create migrations table: %w", err)
	}

	for _, m := range migrations {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM cascade_migrations WHERE version = ?`, m.version,
		).Scan(&n); err != nil {
			return fmt.Errorf("cascade/sqlite: check migration %d: %w", m.version, err)
		}
		if n > 0 {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("cascade/sqlite: begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("cascade/sqlite: migration %d %s: %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cascade_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, s.now().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("cascade/sqlite: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("cascade/sqlite: commit migration %d: %w", m.version, err)
		}
		s.logger.Debug("sqlite migration applied", "version", m.version, "name", m.name)
	}
	return nil
}
