package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/store"
)

// Append adds rec to the subject's stream. The stream entry id becomes
// the record id, which Redis keeps strictly increasing per stream.
func (s *Store) Append(ctx context.Context, subject string, rec *event.Record) (*event.Record, error) {
	cp := *rec
	cp.ID = ""
	cp.Timestamp = time.Time{}
	body, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: marshal record: %w", err)
	}

	entryID, err := s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.logKey(subject),
		Values: map[string]interface{}{"rec": string(body)},
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: append: %w", err)
	}

	cp.ID = entryID
	cp.Timestamp = streamTime(entryID)
	return &cp, nil
}

// Read returns records of subject. FromID is exclusive.
func (s *Store) Read(ctx context.Context, subject string, opts store.ReadOptions) ([]*event.Record, error) {
	key := s.logKey(subject)

	var (
		msgs []goredis.XMessage
		err  error
	)
	if opts.Order == store.OrderDesc {
		end := "+"
		if opts.FromID != "" {
			end = opts.FromID
		}
		msgs, err = s.client.XRevRange(ctx, key, end, "-").Result()
	} else {
		start := "-"
		if opts.FromID != "" {
			start = opts.FromID
		}
		msgs, err = s.client.XRange(ctx, key, start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: read: %w", err)
	}

	out := make([]*event.Record, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID == opts.FromID {
			continue
		}
		rec, err := decodeMessage(msg)
		if err != nil {
			return nil, err
		}
		if len(opts.Types) > 0 && !slices.Contains(opts.Types, rec.Type) {
			continue
		}
		out = append(out, rec)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func decodeMessage(msg goredis.XMessage) (*event.Record, error) {
	body, ok := msg.Values["rec"].(string)
	if !ok {
		return nil, fmt.Errorf("cascade/redis: stream entry %s has no record", msg.ID)
	}
	var rec event.Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("cascade/redis: decode record %s: %w", msg.ID, err)
	}
	rec.ID = msg.ID
	rec.Timestamp = streamTime(msg.ID)
	return &rec, nil
}

// streamTime recovers the append time from a "<millis>-<seq>" stream id.
func streamTime(entryID string) time.Time {
	ms, _, _ := strings.Cut(entryID, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.UnixMilli(n).UTC()
}
