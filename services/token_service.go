package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	apperrors "github.com/NomadCrew/order-push-backend/errors"
	"github.com/NomadCrew/order-push-backend/internal/store"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/NomadCrew/order-push-backend/types"
	"go.uber.org/zap"
)

const (
	minTokenLength = 100
	maxTokenLength = 500
)

var fcmTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:]+$`)

// IsValidFcmToken checks the accepted token grammar without contacting the gateway.
func IsValidFcmToken(token string) bool {
	if len(token) < minTokenLength || len(token) > maxTokenLength {
		return false
	}
	return fcmTokenPattern.MatchString(token)
}

// TokenCache is the read-through cache in front of the token store. Invalidate
// advances the user's generation; Get ignores entries set at an older one.
type TokenCache interface {
	Get(ctx context.Context, userID string) ([]string, bool, error)
	Generation(ctx context.Context, userID string) (int64, error)
	Set(ctx context.Context, userID string, generation int64, tokens []string) error
	Invalidate(ctx context.Context, userID string) error
}

// TokenService owns each user's device token set.
type TokenService struct {
	store     store.PushTokenStore
	cache     TokenCache
	maxTokens int
	locks     *keyedMutex
	log       *zap.Logger
	now       func() time.Time
}

// NewTokenService creates a token service capped at maxTokens entries per user.
func NewTokenService(st store.PushTokenStore, cache TokenCache, maxTokens int) *TokenService {
	return &TokenService{
		store:     st,
		cache:     cache,
		maxTokens: maxTokens,
		locks:     newKeyedMutex(),
		log:       logger.Named("token-service"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// IsValidFcmToken is the method form of the package predicate.
func (s *TokenService) IsValidFcmToken(token string) bool {
	return IsValidFcmToken(token)
}

// AddToken registers token for userID. Re-registering an existing token only
// refreshes it; a known deviceID has its old token replaced. Past the cap the
// entry with the oldest CreatedAt is evicted.
func (s *TokenService) AddToken(ctx context.Context, userID, token, deviceID string, platform types.Platform) (bool, error) {
	if !IsValidFcmToken(token) {
		return false, apperrors.InvalidTokenFormat(
			fmt.Sprintf("token must be %d-%d characters of letters, digits, '_', '-' or ':'", minTokenLength, maxTokenLength))
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	now := s.now()
	var evicted []string
	_, err := s.store.MutateTokens(ctx, userID, func(current []types.DeviceToken) ([]types.DeviceToken, bool, error) {
		for i := range current {
			if current[i].Token == token {
				refreshEntry(&current[i], deviceID, platform, now)
				return current, true, nil
			}
		}

		if deviceID != "" {
			for i := range current {
				if current[i].DeviceID == deviceID {
					evicted = append(evicted, current[i].Token)
					current[i].Token = token
					refreshEntry(&current[i], deviceID, platform, now)
					return current, true, nil
				}
			}
		}

		next := append(current, types.DeviceToken{
			Token:      token,
			DeviceID:   deviceID,
			Platform:   platform,
			CreatedAt:  now,
			LastUsedAt: now,
		})
		for len(next) > s.maxTokens {
			oldest := oldestTokenIndex(next)
			evicted = append(evicted, next[oldest].Token)
			next = append(next[:oldest], next[oldest+1:]...)
		}
		return next, true, nil
	})
	if err != nil {
		return false, s.storageError("add token", userID, err)
	}

	s.invalidate(ctx, userID)
	for _, t := range evicted {
		s.log.Info("Push token replaced or evicted",
			zap.String("userID", userID),
			zap.String("token", logger.MaskToken(t)))
	}
	return true, nil
}

// RemoveToken deletes token from the user's set. It reports false when the
// token was not registered.
func (s *TokenService) RemoveToken(ctx context.Context, userID, token string) (bool, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	changed, err := s.store.MutateTokens(ctx, userID, func(current []types.DeviceToken) ([]types.DeviceToken, bool, error) {
		for i := range current {
			if current[i].Token == token {
				return append(current[:i], current[i+1:]...), true, nil
			}
		}
		return current, false, nil
	})
	if err != nil {
		return false, s.storageError("remove token", userID, err)
	}
	if changed {
		s.invalidate(ctx, userID)
	}
	return changed, nil
}

// ClearTokens empties the user's set. It reports false when it was already empty.
func (s *TokenService) ClearTokens(ctx context.Context, userID string) (bool, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	changed, err := s.store.MutateTokens(ctx, userID, func(current []types.DeviceToken) ([]types.DeviceToken, bool, error) {
		if len(current) == 0 {
			return current, false, nil
		}
		return []types.DeviceToken{}, true, nil
	})
	if err != nil {
		return false, s.storageError("clear tokens", userID, err)
	}
	if changed {
		s.invalidate(ctx, userID)
	}
	return changed, nil
}

// GetUserTokens returns the raw token strings in stored order. An unknown user
// has no tokens.
func (s *TokenService) GetUserTokens(ctx context.Context, userID string) ([]string, error) {
	if cached, ok, err := s.cache.Get(ctx, userID); err != nil {
		s.log.Warn("Token cache read failed, falling back to store", zap.String("userID", userID), zap.Error(err))
	} else if ok {
		return cached, nil
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	// The generation must be read before the store so a write landing in
	// between leaves this fill behind.
	generation, genErr := s.cache.Generation(ctx, userID)

	entries, err := s.store.GetTokens(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return []string{}, nil
		}
		return nil, s.storageError("get tokens", userID, err)
	}

	tokens := make([]string, 0, len(entries))
	for _, e := range entries {
		tokens = append(tokens, e.Token)
	}
	if genErr != nil {
		s.log.Warn("Token cache generation read failed, skipping fill", zap.String("userID", userID), zap.Error(genErr))
		return tokens, nil
	}
	if err := s.cache.Set(ctx, userID, generation, tokens); err != nil {
		s.log.Warn("Token cache write failed", zap.String("userID", userID), zap.Error(err))
	}
	return tokens, nil
}

// ListUserTokens returns the user's entries with masked token values.
func (s *TokenService) ListUserTokens(ctx context.Context, userID string) ([]types.MaskedDeviceToken, error) {
	entries, err := s.store.GetTokens(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return []types.MaskedDeviceToken{}, nil
		}
		return nil, s.storageError("list tokens", userID, err)
	}

	out := make([]types.MaskedDeviceToken, 0, len(entries))
	for _, e := range entries {
		out = append(out, types.MaskedDeviceToken{
			Token:      logger.MaskToken(e.Token),
			DeviceID:   e.DeviceID,
			Platform:   e.Platform,
			CreatedAt:  e.CreatedAt,
			LastUsedAt: e.LastUsedAt,
		})
	}
	return out, nil
}

// PruneTokens drops duplicates and every token keep rejects, in one write.
// It returns how many entries were removed.
func (s *TokenService) PruneTokens(ctx context.Context, userID string, keep func(token string) bool) (int, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	removed := 0
	_, err := s.store.MutateTokens(ctx, userID, func(current []types.DeviceToken) ([]types.DeviceToken, bool, error) {
		seen := make(map[string]struct{}, len(current))
		next := make([]types.DeviceToken, 0, len(current))
		for _, e := range current {
			if _, dup := seen[e.Token]; dup || !keep(e.Token) {
				continue
			}
			seen[e.Token] = struct{}{}
			next = append(next, e)
		}
		removed = len(current) - len(next)
		return next, removed > 0, nil
	})
	if err != nil {
		return 0, s.storageError("prune tokens", userID, err)
	}
	if removed > 0 {
		s.invalidate(ctx, userID)
	}
	return removed, nil
}

// EvictTokens removes the given tokens, e.g. ones the gateway reported unregistered.
func (s *TokenService) EvictTokens(ctx context.Context, userID string, tokens []string) (int, error) {
	drop := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		drop[t] = struct{}{}
	}
	return s.PruneTokens(ctx, userID, func(token string) bool {
		_, gone := drop[token]
		return !gone
	})
}

func (s *TokenService) invalidate(ctx context.Context, userID string) {
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.log.Error("Token cache invalidation failed, list may be stale until TTL",
			zap.String("userID", userID), zap.Error(err))
	}
}

func (s *TokenService) storageError(op, userID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.NotFound("User", userID)
	}
	s.log.Error("Token store operation failed", zap.String("op", op), zap.String("userID", userID), zap.Error(err))
	return apperrors.NewStorageError(err)
}

func refreshEntry(e *types.DeviceToken, deviceID string, platform types.Platform, now time.Time) {
	e.LastUsedAt = now
	if deviceID != "" {
		e.DeviceID = deviceID
	}
	if platform != "" {
		e.Platform = platform
	}
}

func oldestTokenIndex(tokens []types.DeviceToken) int {
	oldest := 0
	for i := 1; i < len(tokens); i++ {
		if tokens[i].CreatedAt.Before(tokens[oldest].CreatedAt) {
			oldest = i
		}
	}
	return oldest
}

// keyedMutex serializes work per key within this process. Entries are
// reference counted and dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
