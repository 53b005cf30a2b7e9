package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultRateLimitPrefix = "bitriver:vod:ratelimit:"

type redisStore struct {
	client redis.UniversalClient
	prefix string
}

func newRedisStore(client redis.UniversalClient, prefix string) *redisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &redisStore{client: client, prefix: prefix}
}

// Allow counts one hit against key in a fixed window that starts with the
// first hit.
func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	fullKey := s.prefix + key
	count, err := s.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		seconds := window / time.Second
		if seconds <= 0 {
			seconds = 1
		}
		if err := s.client.Expire(ctx, fullKey, seconds*time.Second).Err(); err != nil {
			return false, 0, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, fullKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit ttl: %w", err)
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, ttl, nil
}
