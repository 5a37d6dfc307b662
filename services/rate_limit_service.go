package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter keyed by caller.
type RateLimiter interface {
	// Allow reports whether key may proceed and, if not, how long until the window resets.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

// RateLimitService keeps fixed-window counters in Redis.
type RateLimitService struct {
	redis     *redis.Client
	keyPrefix string
}

func NewRateLimitService(client *redis.Client) *RateLimitService {
	return &RateLimitService{
		redis:     client,
		keyPrefix: "rate_limit:",
	}
}

func (s *RateLimitService) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	rKey := s.keyPrefix + key

	pipe := s.redis.TxPipeline()
	incr := pipe.Incr(ctx, rKey)
	pipe.ExpireNX(ctx, rKey, window)
	ttl := pipe.TTL(ctx, rKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}

	if incr.Val() > int64(limit) {
		return false, ttl.Val(), nil
	}
	return true, 0, nil
}
