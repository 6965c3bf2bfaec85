package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore is a fixed-window counter: INCR the key, start its expiry on the
// first hit, and reject once the count passes the limit.
type redisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func newRedisStore(client redis.UniversalClient, timeout time.Duration) *redisStore {
	return &redisStore{client: client, timeout: timeout}
}

func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("redis rate limit: %w", err)
	}
	count := incr.Val()
	remaining := ttl.Val()
	if count == 1 || remaining < 0 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("redis rate limit expire: %w", err)
		}
		remaining = window
	}
	if count > int64(limit) {
		if remaining < time.Second {
			remaining = time.Second
		}
		return false, remaining, nil
	}
	return true, 0, nil
}
