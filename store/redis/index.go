package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/run"
	"github.com/xraph/cascade/store"
)

// addScript creates the entry hash and its sorted-set member unless the
// hash already exists.
// KEYS: entry, index. ARGV: meta, score, runID, completed.
var addScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'meta', ARGV[1], 'version', 0, 'completed', ARGV[4], 'score', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// updateScript writes meta if the stored version matches.
// KEYS: entry. ARGV: expected version, meta.
// Returns {new version, completed, score}, {-1} when missing, {-2} on
// conflict.
var updateScript = goredis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then return {-1} end
if tonumber(v) ~= tonumber(ARGV[1]) then return {-2} end
local nv = tonumber(v) + 1
redis.call('HSET', KEYS[1], 'meta', ARGV[2], 'version', nv)
local f = redis.call('HMGET', KEYS[1], 'completed', 'score')
return {nv, tonumber(f[1]) or 0, f[2] or '0'}
`)

// incrScript increments a counter of an existing entry.
// KEYS: entry. ARGV: delta. Returns nil when missing.
var incrScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return false end
return redis.call('HINCRBY', KEYS[1], 'completed', ARGV[1])
`)

// IndexAdd stores e unless the run id is taken.
func (s *Store) IndexAdd(ctx context.Context, key string, e *run.Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("cascade/redis: marshal metadata: %w", err)
	}
	added, err := addScript.Run(ctx, s.client,
		[]string{s.entryKey(key, e.RunID), s.indexKey(key)},
		string(meta), strconv.FormatFloat(e.Score, 'f', -1, 64), e.RunID, e.Metadata.CompletedSteps,
	).Int()
	if err != nil {
		return fmt.Errorf("cascade/redis: index add: %w", err)
	}
	if added == 0 {
		return cascade.ErrRunAlreadyExists
	}
	return nil
}

// IndexGet returns the entry.
func (s *Store) IndexGet(ctx context.Context, key, id string) (*run.Entry, error) {
	vals, err := s.client.HGetAll(ctx, s.entryKey(key, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: index get: %w", err)
	}
	if len(vals) == 0 {
		return nil, cascade.ErrRunNotFound
	}
	return mapToEntry(id, vals)
}

// IndexUpdate writes meta with a version check. The returned entry is
// meta as written, with the version, counter and score read inside the
// same script.
func (s *Store) IndexUpdate(ctx context.Context, key, id string, meta run.Metadata) (*run.Entry, error) {
	body, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: marshal metadata: %w", err)
	}
	res, err := updateScript.Run(ctx, s.client,
		[]string{s.entryKey(key, id)},
		meta.Version, string(body),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: index update: %w", err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("cascade/redis: index update: empty reply")
	}
	version, _ := res[0].(int64)
	switch version {
	case -1:
		return nil, cascade.ErrRunNotFound
	case -2:
		return nil, cascade.ErrVersionConflict
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("cascade/redis: index update: unexpected reply %v", res)
	}

	// Lua integers arrive as int64, bulk strings as string.
	completed, _ := res[1].(int64)
	rawScore, _ := res[2].(string)
	score, _ := strconv.ParseFloat(rawScore, 64) //nolint:errcheck // written by IndexAdd
	written := meta.Clone()
	written.Version = version
	written.CompletedSteps = completed
	if written.Awaiting == nil {
		written.Awaiting = map[run.AwaitKey]*run.AwaitState{}
	}
	return &run.Entry{RunID: id, Score: score, Metadata: written}, nil
}

// IndexIncrement adds delta to completedSteps with HINCRBY.
func (s *Store) IndexIncrement(ctx context.Context, key, id, field string, delta int64) (int64, error) {
	if field != store.FieldCompletedSteps {
		return 0, fmt.Errorf("cascade/redis: unsupported counter %q", field)
	}
	n, err := incrScript.Run(ctx, s.client, []string{s.entryKey(key, id)}, delta).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, cascade.ErrRunNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("cascade/redis: index increment: %w", err)
	}
	return n, nil
}

// IndexRead returns entries newest first via ZREVRANGE.
func (s *Store) IndexRead(ctx context.Context, key string, offset, limit int) ([]*run.Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(key), int64(offset), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: index read: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, runID := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.entryKey(key, runID))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("cascade/redis: index read entries: %w", err)
		}
	}

	out := make([]*run.Entry, 0, len(ids))
	for i, runID := range ids {
		vals := cmds[i].Val()
		if len(vals) == 0 {
			continue // skip missing
		}
		e, err := mapToEntry(runID, vals)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ── helpers ──

func mapToEntry(runID string, m map[string]string) (*run.Entry, error) {
	var meta run.Metadata
	if err := json.Unmarshal([]byte(m["meta"]), &meta); err != nil {
		return nil, fmt.Errorf("cascade/redis: decode metadata %s: %w", runID, err)
	}
	version, _ := strconv.ParseInt(m["version"], 10, 64)     //nolint:errcheck // best-effort parse from trusted Redis data
	completed, _ := strconv.ParseInt(m["completed"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	score, _ := strconv.ParseFloat(m["score"], 64)           //nolint:errcheck // best-effort parse from trusted Redis data

	meta.Version = version
	meta.CompletedSteps = completed
	if meta.Awaiting == nil {
		meta.Awaiting = map[run.AwaitKey]*run.AwaitState{}
	}
	return &run.Entry{RunID: runID, Score: score, Metadata: meta}, nil
}
