package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/backoff"
	"github.com/xraph/cascade/run"
)

// ErrSkip may be returned by an update function to leave the entry
// unchanged. UpdateWithRetry then returns the current entry and no error.
var ErrSkip = errors.New("store: skip update")

// RetryOption configures UpdateWithRetry.
type RetryOption func(*retryConfig)

type retryConfig struct {
	attempts int
	backoff  backoff.Strategy
}

// WithAttempts bounds the number of read-modify-write attempts.
func WithAttempts(n int) RetryOption {
	return func(c *retryConfig) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithBackoff sets the delay between attempts.
func WithBackoff(s backoff.Strategy) RetryOption {
	return func(c *retryConfig) { c.backoff = s }
}

// UpdateWithRetry reads the entry, applies fn to a copy of its metadata and
// writes it back with a version check, retrying on version conflicts.
// Exhausting the attempts returns an error wrapping
// cascade.ErrVersionConflict.
func UpdateWithRetry(ctx context.Context, idx Index, key, id string, fn func(*run.Metadata) error, opts ...RetryOption) (*run.Entry, error) {
	cfg := retryConfig{attempts: 8, backoff: backoff.Contention()}
	for _, opt := range opts {
		opt(&cfg)
	}

	for attempt := 1; ; attempt++ {
		cur, err := idx.IndexGet(ctx, key, id)
		if err != nil {
			return nil, err
		}

		meta := cur.Metadata.Clone()
		if err := fn(&meta); err != nil {
			if errors.Is(err, ErrSkip) {
				return cur, nil
			}
			return nil, err
		}

		updated, err := idx.IndexUpdate(ctx, key, id, meta)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, cascade.ErrVersionConflict) {
			return nil, err
		}
		if attempt >= cfg.attempts {
			return nil, fmt.Errorf("update %s/%s after %d attempts: %w", key, id, attempt, err)
		}
		if err := backoff.Wait(ctx, cfg.backoff, attempt); err != nil {
			return nil, err
		}
	}
}
