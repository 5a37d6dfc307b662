// Package cache holds the Redis-backed read-through caches.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	tokenKeyPrefix      = "push_tokens:"
	generationKeyPrefix = "push_tokens_gen:"
)

// TokenCache caches a user's raw push token list. Every write bumps a per-user
// generation counter before dropping the entry, and an entry is only served
// while the generation it was filled at is still current. A fill that read the
// store before a concurrent write therefore never outlives that write.
type TokenCache struct {
	redis *redis.Client
	ttl   time.Duration
}

type tokenEntry struct {
	Generation int64    `json:"generation"`
	Tokens     []string `json:"tokens"`
}

// NewTokenCache creates a token cache with the given entry TTL.
func NewTokenCache(client *redis.Client, ttl time.Duration) *TokenCache {
	return &TokenCache{redis: client, ttl: ttl}
}

func tokenKey(userID string) string {
	return tokenKeyPrefix + userID
}

func generationKey(userID string) string {
	return generationKeyPrefix + userID
}

// Get returns the cached tokens and whether a current entry was present.
func (c *TokenCache) Get(ctx context.Context, userID string) ([]string, bool, error) {
	vals, err := c.redis.MGet(ctx, tokenKey(userID), generationKey(userID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read token cache: %w", err)
	}

	raw, ok := vals[0].(string)
	if !ok {
		return nil, false, nil
	}
	var entry tokenEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode token cache entry: %w", err)
	}
	current, err := parseGeneration(vals[1])
	if err != nil {
		return nil, false, err
	}
	if entry.Generation != current {
		return nil, false, nil
	}
	if entry.Tokens == nil {
		entry.Tokens = []string{}
	}
	return entry.Tokens, true, nil
}

// Generation returns the user's current write generation. Callers read it
// before loading the store and hand it to Set.
func (c *TokenCache) Generation(ctx context.Context, userID string) (int64, error) {
	val, err := c.redis.Get(ctx, generationKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read token cache generation: %w", err)
	}
	return parseGeneration(val)
}

// Set stores tokens, tagged with the generation observed before the store read,
// for the configured TTL.
func (c *TokenCache) Set(ctx context.Context, userID string, generation int64, tokens []string) error {
	if tokens == nil {
		tokens = []string{}
	}
	raw, err := json.Marshal(tokenEntry{Generation: generation, Tokens: tokens})
	if err != nil {
		return fmt.Errorf("failed to encode token cache entry: %w", err)
	}
	if err := c.redis.Set(ctx, tokenKey(userID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write token cache: %w", err)
	}
	return nil
}

// Invalidate bumps the user's generation and drops the cached list.
func (c *TokenCache) Invalidate(ctx context.Context, userID string) error {
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(userID))
		if c.ttl > 0 {
			// outlives any entry filled before this bump
			pipe.Expire(ctx, generationKey(userID), 2*c.ttl)
		}
		pipe.Del(ctx, tokenKey(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate token cache: %w", err)
	}
	return nil
}

func parseGeneration(v interface{}) (int64, error) {
	switch g := v.(type) {
	case nil:
		return 0, nil
	case string:
		n, err := strconv.ParseInt(g, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid token cache generation %q: %w", g, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected token cache generation type %T", v)
	}
}
