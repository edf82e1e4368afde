package sqlite

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/store"
)

// Append inserts rec. The record id is "<millis>-<seq>" where seq is the
// table's autoincrement key, so ids sort in log order.
func (s *Store) Append(ctx context.Context, subject string, rec *event.Record) (*event.Record, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cascade_events (subject, ts, type, run_id, flow_name, step_name, step_id, attempt, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subject, now.UnixMilli(), string(rec.Type), rec.RunID, rec.FlowName,
		rec.StepName, rec.StepID, rec.Attempt, []byte(rec.Data),
	)
	if err != nil {
		return nil, fmt.Errorf("cascade/sqlite: append: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("cascade/sqlite: append id: %w", err)
	}

	cp := *rec
	cp.ID = formatID(now.UnixMilli(), seq)
	cp.Timestamp = time.UnixMilli(now.UnixMilli()).UTC()
	return &cp, nil
}

// Read returns records of subject. FromID is exclusive.
func (s *Store) Read(ctx context.Context, subject string, opts store.ReadOptions) ([]*event.Record, error) {
	var (
		where = []string{"subject = ?"}
		args  = []any{subject}
		order = "ASC"
		cmp   = ">"
	)
	if opts.Order == store.OrderDesc {
		order, cmp = "DESC", "<"
	}
	if opts.FromID != "" {
		seq, err := parseSeq(opts.FromID)
		if err != nil {
			return nil, err
		}
		where = append(where, "seq "+cmp+" ?")
		args = append(args, seq)
	}
	if len(opts.Types) > 0 {
		marks := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(marks, ",")+")")
	}
	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	args = append(args, limit)

	//nolint:gosec // only placeholders and fixed keywords are interpolated
	query := `SELECT seq, ts, type, run_id, flow_name, step_name, step_id, attempt, data
		FROM cascade_events WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY seq ` + order + ` LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cascade/sqlite: read: %w", err)
	}
	defer rows.Close()

	var out []*event.Record
	for rows.Next() {
		var (
			seq, ts int64
			typ     string
			data    []byte
			rec     event.Record
		)
		if err := rows.Scan(&seq, &ts, &typ, &rec.RunID, &rec.FlowName,
			&rec.StepName, &rec.StepID, &rec.Attempt, &data); err != nil {
			return nil, fmt.Errorf("cascade/sqlite: scan record: %w", err)
		}
		rec.ID = formatID(ts, seq)
		rec.Timestamp = time.UnixMilli(ts).UTC()
		rec.Type = event.Type(typ)
		if len(data) > 0 {
			rec.Data = data
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func formatID(ms, seq int64) string {
	return strconv.FormatInt(ms, 10) + "-" + strconv.FormatInt(seq, 10)
}

func parseSeq(id string) (int64, error) {
	_, seq, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("cascade/sqlite: malformed record id %q", id)
	}
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cascade/sqlite: malformed record id %q: %w", id, err)
	}
	return n, nil
}
