package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/cascade"
)

// Get returns the value stored at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.kvKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, cascade.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: get: %w", err)
	}
	return v, nil
}

// Set stores value with an optional TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.kvKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cascade/redis: set: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.kvKey(key)).Err(); err != nil {
		return fmt.Errorf("cascade/redis: delete: %w", err)
	}
	return nil
}
