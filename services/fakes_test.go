package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NomadCrew/order-push-backend/internal/store"
	"github.com/NomadCrew/order-push-backend/types"
	"github.com/google/uuid"
)

// testToken returns a distinct token that passes IsValidFcmToken.
func testToken(i int) string {
	return fmt.Sprintf("tok%04d:", i) + strings.Repeat("A", 120)
}

type fakeTokenStore struct {
	mu        sync.Mutex
	users     map[string][]types.DeviceToken
	writes    int
	getErr    error
	mutateErr error
	// afterRead runs once GetTokens has copied the set, outside the lock.
	afterRead func()
}

func newFakeTokenStore(userIDs ...string) *fakeTokenStore {
	s := &fakeTokenStore{users: make(map[string][]types.DeviceToken)}
	for _, id := range userIDs {
		s.users[id] = nil
	}
	return s
}

func (s *fakeTokenStore) seed(userID string, tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, t := range tokens {
		at := base.Add(time.Duration(i) * time.Minute)
		s.users[userID] = append(s.users[userID], types.DeviceToken{Token: t, CreatedAt: at, LastUsedAt: at})
	}
}

func (s *fakeTokenStore) tokens(userID string) []types.DeviceToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.DeviceToken(nil), s.users[userID]...)
}

func (s *fakeTokenStore) GetTokens(_ context.Context, userID string) ([]types.DeviceToken, error) {
	s.mu.Lock()
	if s.getErr != nil {
		s.mu.Unlock()
		return nil, s.getErr
	}
	current, ok := s.users[userID]
	out := append([]types.DeviceToken(nil), current...)
	hook := s.afterRead
	s.mu.Unlock()

	if !ok {
		return nil, store.ErrNotFound
	}
	if hook != nil {
		hook()
	}
	return out, nil
}

func (s *fakeTokenStore) MutateTokens(_ context.Context, userID string, fn store.TokenMutation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mutateErr != nil {
		return false, s.mutateErr
	}
	current, ok := s.users[userID]
	if !ok {
		return false, store.ErrNotFound
	}
	next, changed, err := fn(append([]types.DeviceToken(nil), current...))
	if err != nil {
		return false, err
	}
	if changed {
		s.users[userID] = append([]types.DeviceToken(nil), next...)
		s.writes++
	}
	return changed, nil
}

func (s *fakeTokenStore) ListUserIDsWithTokens(_ context.Context, afterID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, tokens := range s.users {
		if len(tokens) > 0 && id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type fakeTokenCache struct {
	mu            sync.Mutex
	entries       map[string]fakeCacheEntry
	generations   map[string]int64
	gets          int
	invalidations int
	getErr        error
	invalidateErr error
}

type fakeCacheEntry struct {
	generation int64
	tokens     []string
}

func newFakeTokenCache() *fakeTokenCache {
	return &fakeTokenCache{
		entries:     make(map[string]fakeCacheEntry),
		generations: make(map[string]int64),
	}
}

func (c *fakeTokenCache) Get(_ context.Context, userID string) ([]string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	entry, ok := c.entries[userID]
	if !ok || entry.generation != c.generations[userID] {
		return nil, false, nil
	}
	return entry.tokens, true, nil
}

func (c *fakeTokenCache) Generation(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[userID], nil
}

func (c *fakeTokenCache) Set(_ context.Context, userID string, generation int64, tokens []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = fakeCacheEntry{generation: generation, tokens: append([]string(nil), tokens...)}
	return nil
}

func (c *fakeTokenCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations++
	if c.invalidateErr != nil {
		return c.invalidateErr
	}
	c.generations[userID]++
	delete(c.entries, userID)
	return nil
}

func (c *fakeTokenCache) cached(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[userID]
	return ok && entry.generation == c.generations[userID]
}

type fakeNotificationStore struct {
	mu         sync.Mutex
	rows       map[uuid.UUID]*types.PushNotification
	order      []uuid.UUID
	createErr  error
	failCreate map[string]bool
	markErr    error
	listErr    error
	now        time.Time
}

func newFakeNotificationStore() *fakeNotificationStore {
	return &fakeNotificationStore{
		rows:       make(map[uuid.UUID]*types.PushNotification),
		failCreate: make(map[string]bool),
		now:        time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (s *fakeNotificationStore) all() []*types.PushNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.PushNotification, 0, len(s.order))
	for _, id := range s.order {
		cp := *s.rows[id]
		out = append(out, &cp)
	}
	return out
}

func (s *fakeNotificationStore) insert(n types.PushNotification) *types.PushNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	row := n
	s.rows[row.ID] = &row
	s.order = append(s.order, row.ID)
	return &row
}

func (s *fakeNotificationStore) Create(_ context.Context, n *types.PushNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if s.failCreate[n.UserID] {
		return errors.New("insert failed")
	}
	n.ID = uuid.New()
	if n.Status == "" {
		n.Status = types.StatusPending
	}
	n.CreatedAt = s.now
	n.UpdatedAt = s.now
	row := *n
	s.rows[n.ID] = &row
	s.order = append(s.order, n.ID)
	return nil
}

func (s *fakeNotificationStore) GetByID(_ context.Context, id uuid.UUID) (*types.PushNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *fakeNotificationStore) transition(id uuid.UUID, userID *string, from []types.NotificationStatus, apply func(*types.PushNotification)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return false, s.markErr
	}
	row, ok := s.rows[id]
	if !ok || (userID != nil && row.UserID != *userID) {
		return false, nil
	}
	for _, st := range from {
		if row.Status == st {
			apply(row)
			row.UpdatedAt = s.now
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeNotificationStore) MarkSent(_ context.Context, id uuid.UUID) (bool, error) {
	return s.transition(id, nil, []types.NotificationStatus{types.StatusPending, types.StatusFailed}, func(n *types.PushNotification) {
		n.Status = types.StatusSent
		n.ErrorMessage = nil
		if n.SentAt == nil {
			at := s.now
			n.SentAt = &at
		}
	})
}

func (s *fakeNotificationStore) MarkFailed(_ context.Context, id uuid.UUID, msg string) (bool, error) {
	return s.transition(id, nil, []types.NotificationStatus{types.StatusPending}, func(n *types.PushNotification) {
		n.Status = types.StatusFailed
		n.ErrorMessage = &msg
	})
}

func (s *fakeNotificationStore) MarkDelivered(_ context.Context, id uuid.UUID, userID *string) (bool, error) {
	return s.transition(id, userID, []types.NotificationStatus{types.StatusSent}, func(n *types.PushNotification) {
		at := s.now
		n.Status = types.StatusDelivered
		n.DeliveredAt = &at
	})
}

func (s *fakeNotificationStore) MarkRead(_ context.Context, id uuid.UUID, userID *string) (bool, error) {
	return s.transition(id, userID, []types.NotificationStatus{types.StatusSent, types.StatusDelivered}, func(n *types.PushNotification) {
		at := s.now
		n.Status = types.StatusRead
		n.ReadAt = &at
		if n.DeliveredAt == nil {
			n.DeliveredAt = &at
		}
	})
}

func (s *fakeNotificationStore) CountUnread(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, row := range s.rows {
		if row.UserID == userID && row.Status != types.StatusRead {
			count++
		}
	}
	return count, nil
}

func (s *fakeNotificationStore) ListRetryable(_ context.Context, w store.RetryWindow, limit int) ([]*types.PushNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*types.PushNotification
	for _, id := range s.order {
		row := s.rows[id]
		last := row.UpdatedAt
		if row.LastRetryAt != nil {
			last = *row.LastRetryAt
		}
		if row.Status == types.StatusFailed && w.Due(row.RetryAttempts, last) {
			cp := *row
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeNotificationStore) FailStalePending(_ context.Context, cutoff time.Time, msg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return 0, s.markErr
	}
	var n int64
	for _, row := range s.rows {
		if row.Status == types.StatusPending && row.CreatedAt.Before(cutoff) {
			m := msg
			row.Status = types.StatusFailed
			row.ErrorMessage = &m
			row.UpdatedAt = s.now
			n++
		}
	}
	return n, nil
}

func (s *fakeNotificationStore) RecordRetry(_ context.Context, id uuid.UUID, succeeded bool, msg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.Status != types.StatusFailed {
		return store.ErrConflict
	}
	row.RetryAttempts++
	last := at
	row.LastRetryAt = &last
	row.UpdatedAt = at
	if succeeded {
		row.Status = types.StatusSent
		row.ErrorMessage = nil
		if row.SentAt == nil {
			row.SentAt = &last
		}
		return nil
	}
	row.ErrorMessage = &msg
	return nil
}

func (s *fakeNotificationStore) ListFailed(_ context.Context, limit int) ([]*types.PushNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*types.PushNotification
	for _, id := range s.order {
		if row := s.rows[id]; row.Status == types.StatusFailed {
			cp := *row
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeNotificationStore) WithTx(_ context.Context, fn func(tx store.PushNotificationStore) error) error {
	return fn(s)
}

type fakeUserStore struct {
	mu        sync.Mutex
	users     map[string]*types.User
	eligible  []string
	admins    []string
	pageSizes []int
	listErr   error
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]*types.User)}
}

func (s *fakeUserStore) GetUserByID(_ context.Context, id string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeUserStore) ListEligibleUserIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	ids := append([]string(nil), s.eligible...)
	sort.Strings(ids)
	var page []string
	for _, id := range ids {
		if id > afterID {
			page = append(page, id)
		}
		if len(page) == limit {
			break
		}
	}
	s.pageSizes = append(s.pageSizes, len(page))
	return page, nil
}

func (s *fakeUserStore) ListAdminIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.admins...), s.listErr
}

type fakeInboxStore struct {
	mu   sync.Mutex
	rows []*types.InboxNotification
	err  error
}

func (s *fakeInboxStore) Insert(_ context.Context, n *types.InboxNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	n.ID = uuid.New()
	s.rows = append(s.rows, n)
	return nil
}

// fakeSender reports every token accepted unless outcome overrides it.
type fakeSender struct {
	mu      sync.Mutex
	outcome func(token string) Outcome
	err     error
	batches [][]string
}

func (s *fakeSender) SendBatch(_ context.Context, tokens []string, _ PushMessage) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]string(nil), tokens...))

	result := BatchResult{Outcomes: make([]Outcome, len(tokens))}
	if s.err != nil {
		return result, s.err
	}
	for i, t := range tokens {
		if t == "" {
			result.Outcomes[i] = Outcome{Skipped: true}
			continue
		}
		o := Outcome{Success: true, HTTPStatus: 200}
		if s.outcome != nil {
			o = s.outcome(t)
		}
		o.Token = t
		result.Outcomes[i] = o
		if o.Success {
			result.SuccessCount++
		} else {
			result.ErrorCount++
		}
	}
	return result, nil
}

func (s *fakeSender) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func failAll(token string) Outcome {
	return Outcome{HTTPStatus: 500, ErrorBody: `{"error":{"status":"INTERNAL"}}`}
}

// deadlineStore rejects writes whose context is already done, as pgx does.
type deadlineStore struct {
	*fakeNotificationStore
}

func (s deadlineStore) Create(ctx context.Context, n *types.PushNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fakeNotificationStore.Create(ctx, n)
}

func (s deadlineStore) MarkSent(ctx context.Context, id uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.fakeNotificationStore.MarkSent(ctx, id)
}

func (s deadlineStore) MarkFailed(ctx context.Context, id uuid.UUID, msg string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.fakeNotificationStore.MarkFailed(ctx, id, msg)
}

func (s deadlineStore) WithTx(ctx context.Context, fn func(tx store.PushNotificationStore) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s)
}

// stallingSender holds every batch until ctx is done and then reports each
// token as failed, like a gateway that never answers.
type stallingSender struct{}

func (stallingSender) SendBatch(ctx context.Context, tokens []string, _ PushMessage) (BatchResult, error) {
	<-ctx.Done()
	result := BatchResult{Outcomes: make([]Outcome, len(tokens))}
	for i, t := range tokens {
		result.Outcomes[i] = Outcome{Token: t, ErrorBody: ctx.Err().Error()}
		result.ErrorCount++
	}
	return result, nil
}
