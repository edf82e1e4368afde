package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/run"
	"github.com/xraph/cascade/store"
)

// IndexAdd inserts e unless the run id is taken.
func (s *Store) IndexAdd(ctx context.Context, key string, e *run.Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("cascade/sqlite: marshal metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cascade_runs (index_key, run_id, score, meta, version, completed)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT (index_key, run_id) DO NOTHING`,
		key, e.RunID, e.Score, string(meta), e.Metadata.CompletedSteps,
	)
	if err != nil {
		return fmt.Errorf("cascade/sqlite: index add: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return cascade.ErrRunAlreadyExists
	}
	return nil
}

// IndexGet returns the entry.
func (s *Store) IndexGet(ctx context.Context, key, id string) (*run.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, score, meta, version, completed
		FROM cascade_runs WHERE index_key = ? AND run_id = ?`, key, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cascade.ErrRunNotFound
	}
	return e, err
}

// IndexUpdate writes meta when the stored version matches and returns
// meta as written, with the version and counter from the same statement.
func (s *Store) IndexUpdate(ctx context.Context, key, id string, meta run.Metadata) (*run.Entry, error) {
	body, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("cascade/sqlite: marshal metadata: %w", err)
	}
	var (
		score     float64
		version   int64
		completed int64
	)
	err = s.db.QueryRowContext(ctx, `
		UPDATE cascade_runs SET meta = ?, version = version + 1
		WHERE index_key = ? AND run_id = ? AND version = ?
		RETURNING score, version, completed`,
		string(body), key, id, meta.Version,
	).Scan(&score, &version, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.IndexGet(ctx, key, id); err != nil {
			return nil, err
		}
		return nil, cascade.ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("cascade/sqlite: index update: %w", err)
	}

	written := meta.Clone()
	written.Version = version
	written.CompletedSteps = completed
	if written.Awaiting == nil {
		written.Awaiting = map[run.AwaitKey]*run.AwaitState{}
	}
	return &run.Entry{RunID: id, Score: score, Metadata: written}, nil
}

// IndexIncrement adds delta to completedSteps and returns the new value.
func (s *Store) IndexIncrement(ctx context.Context, key, id, field string, delta int64) (int64, error) {
	if field != store.FieldCompletedSteps {
		return 0, fmt.Errorf("cascade/sqlite: unsupported counter %q", field)
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE cascade_runs SET completed = completed + ?
		WHERE index_key = ? AND run_id = ?
		RETURNING completed`, delta, key, id,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, cascade.ErrRunNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("cascade/sqlite: index increment: %w", err)
	}
	return n, nil
}

// IndexRead returns entries newest first.
func (s *Store) IndexRead(ctx context.Context, key string, offset, limit int) ([]*run.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, score, meta, version, completed
		FROM cascade_runs WHERE index_key = ?
		ORDER BY score DESC, run_id DESC
		LIMIT ? OFFSET ?`, key, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("cascade/sqlite: index read: %w", err)
	}
	defer rows.Close()

	out := []*run.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*run.Entry, error) {
	var (
		e                  run.Entry
		meta               string
		version, completed int64
	)
	if err := sc.Scan(&e.RunID, &e.Score, &meta, &version, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("cascade/sqlite: scan entry: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
		return nil, fmt.Errorf("cascade/sqlite: decode metadata %s: %w", e.RunID, err)
	}
	e.Metadata.Version = version
	e.Metadata.CompletedSteps = completed
	if e.Metadata.Awaiting == nil {
		e.Metadata.Awaiting = map[run.AwaitKey]*run.AwaitState{}
	}
	return &e, nil
}
