// Package redis implements queue.Backend on Redis so several processes can
// share one set of queues.
//
// Each job is a Hash holding its JSON encoding; due jobs sit in a Sorted
// Set per queue scored by RunAt. A Lua script adds a job only when its id
// is unused, and another pops the earliest due id with ZREM, so a job is
// claimed by exactly one worker across the cluster.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	q := redisqueue.New(client)
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/queue"
	"github.com/xraph/cascade/worker"
)

// Compile-time interface check.
var _ queue.Backend = (*Backend)(nil)

const defaultPrefix = "cascade:"

// addScript stores a job unless its id exists.
// KEYS: job hash, id set, ready zset. ARGV: json, queue, state, id, score.
var addScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'job', ARGV[1], 'queue', ARGV[2], 'state', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[4])
return 1
`)

// claimScript pops the earliest due id. KEYS: ready zset. ARGV: now ms.
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
redis.call('ZREM', KEYS[1], ids[1])
return ids[1]
`)

// Option configures the Backend.
type Option func(*Backend)

// WithPrefix sets the key prefix. Default "cascade:".
func WithPrefix(p string) Option {
	return func(b *Backend) { b.prefix = p }
}

// Backend implements queue.Backend on Redis.
type Backend struct {
	client goredis.Cmdable
	prefix string
}

// NewBackend creates a Redis queue backend. The caller owns the client.
func NewBackend(client goredis.Cmdable, opts ...Option) *Backend {
	b := &Backend{client: client, prefix: defaultPrefix}
	for _, o := range opts {
		o(b)
	}
	return b
}

// New returns a queue.Queue over a Redis backend with the default prefix.
func New(client goredis.Cmdable, opts ...worker.Option) *worker.Queue {
	return worker.NewQueue(NewBackend(client), opts...)
}

// jobKey returns the Hash key of one job: {prefix}job:{id}
func (b *Backend) jobKey(jobID string) string { return b.prefix + "job:" + jobID }

// readyKey returns the Sorted Set of claimable jobs: {prefix}queue:{name}
func (b *Backend) readyKey(queueName string) string { return b.prefix + "queue:" + queueName }

// idsKey returns the Set of every job id: {prefix}jobs
func (b *Backend) idsKey() string { return b.prefix + "jobs" }

// Add stores j unless the id is taken.
func (b *Backend) Add(ctx context.Context, j *queue.Job) error {
	body, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("cascade/redis: marshal job: %w", err)
	}
	n, err := addScript.Run(ctx, b.client,
		[]string{b.jobKey(j.ID), b.idsKey(), b.readyKey(j.Queue)},
		string(body), j.Queue, string(j.State), j.ID, score(j.RunAt),
	).Int()
	if err != nil {
		return fmt.Errorf("cascade/redis: add job: %w", err)
	}
	if n == 0 {
		return cascade.ErrJobAlreadyExists
	}
	return nil
}

// Claim pops the earliest due job of queueName and marks it running.
func (b *Backend) Claim(ctx context.Context, queueName string, now time.Time) (*queue.Job, error) {
	jobID, err := claimScript.Run(ctx, b.client,
		[]string{b.readyKey(queueName)},
		strconv.FormatInt(now.UnixMilli(), 10),
	).Text()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: claim: %w", err)
	}

	j, err := b.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	started := now
	j.State = queue.StateRunning
	j.StartedAt = &started
	j.UpdatedAt = now
	if err := b.write(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// Update persists j and requeues it when it is claimable.
func (b *Backend) Update(ctx context.Context, j *queue.Job) error {
	n, err := b.client.Exists(ctx, b.jobKey(j.ID)).Result()
	if err != nil {
		return fmt.Errorf("cascade/redis: update job exists: %w", err)
	}
	if n == 0 {
		return cascade.ErrJobNotFound
	}
	return b.write(ctx, j)
}

func (b *Backend) write(ctx context.Context, j *queue.Job) error {
	body, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("cascade/redis: marshal job: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.jobKey(j.ID), "job", string(body), "state", string(j.State))
	if j.State.Claimable() {
		pipe.ZAdd(ctx, b.readyKey(j.Queue), goredis.Z{Score: score(j.RunAt), Member: j.ID})
	} else {
		pipe.ZRem(ctx, b.readyKey(j.Queue), j.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cascade/redis: write job: %w", err)
	}
	return nil
}

// Get returns the job.
func (b *Backend) Get(ctx context.Context, jobID string) (*queue.Job, error) {
	body, err := b.client.HGet(ctx, b.jobKey(jobID), "job").Result()
	if errors.Is(err, goredis.Nil) {
		return nil, cascade.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: get job: %w", err)
	}
	return decode(body)
}

// List scans every job and returns the matching ones oldest first.
func (b *Backend) List(ctx context.Context, f queue.Filter) ([]*queue.Job, error) {
	jobs, err := b.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*queue.Job, 0, len(jobs))
	for _, j := range jobs {
		if f.Match(j) {
			out = append(out, j)
		}
	}
	slices.SortFunc(out, func(a, c *queue.Job) int {
		if d := a.CreatedAt.Compare(c.CreatedAt); d != 0 {
			return d
		}
		switch {
		case a.ID < c.ID:
			return -1
		case a.ID > c.ID:
			return 1
		}
		return 0
	})
	return f.Page(out), nil
}

// Count returns per-state counts for queueName.
func (b *Backend) Count(ctx context.Context, queueName string) (queue.Counts, error) {
	jobs, err := b.all(ctx)
	if err != nil {
		return nil, err
	}
	counts := queue.Counts{}
	for _, j := range jobs {
		if queueName == "" || j.Queue == queueName {
			counts[j.State]++
		}
	}
	return counts, nil
}

func (b *Backend) all(ctx context.Context) ([]*queue.Job, error) {
	ids, err := b.client.SMembers(ctx, b.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: list jobs smembers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := b.client.Pipeline()
	cmds := make([]*goredis.StringCmd, len(ids))
	for i, jobID := range ids {
		cmds[i] = pipe.HGet(ctx, b.jobKey(jobID), "job")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("cascade/redis: list jobs: %w", err)
	}

	out := make([]*queue.Job, 0, len(ids))
	for _, cmd := range cmds {
		body, err := cmd.Result()
		if err != nil {
			continue // skip missing
		}
		j, err := decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// Close is a no-op: the caller owns the Redis client lifecycle.
func (b *Backend) Close() error { return nil }

func decode(body string) (*queue.Job, error) {
	var j queue.Job
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return nil, fmt.Errorf("cascade/redis: decode job: %w", err)
	}
	return &j, nil
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }
