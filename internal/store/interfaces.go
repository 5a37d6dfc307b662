package store

import (
	"context"
	"time"

	"github.com/NomadCrew/order-push-backend/types"
	"github.com/google/uuid"
)

// TokenMutation rewrites a user's token set while the row is locked. It returns
// the new set and whether anything changed; unchanged sets are not written back.
type TokenMutation func(current []types.DeviceToken) (next []types.DeviceToken, changed bool, err error)

// PushTokenStore persists the per-user device token set.
type PushTokenStore interface {
	GetTokens(ctx context.Context, userID string) ([]types.DeviceToken, error)
	// MutateTokens serializes a read-modify-write of the user's token set.
	MutateTokens(ctx context.Context, userID string, fn TokenMutation) (changed bool, err error)
	// ListUserIDsWithTokens pages through users holding at least one token, ordered by id.
	ListUserIDsWithTokens(ctx context.Context, afterID string, limit int) ([]string, error)
}

// PushNotificationStore persists tracker rows. Status transitions are enforced in SQL,
// so every Mark* call reports whether a row actually changed.
type PushNotificationStore interface {
	Create(ctx context.Context, n *types.PushNotification) error
	GetByID(ctx context.Context, id uuid.UUID) (*types.PushNotification, error)
	MarkSent(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, userID *string) (bool, error)
	MarkRead(ctx context.Context, id uuid.UUID, userID *string) (bool, error)
	CountUnread(ctx context.Context, userID string) (int64, error)
	// ListRetryable returns up to limit FAILED rows that are due under w, least
	// recently attempted first.
	ListRetryable(ctx context.Context, w RetryWindow, limit int) ([]*types.PushNotification, error)
	// RecordRetry bumps retry_attempts and last_retry_at, moving the row to SENT when succeeded.
	RecordRetry(ctx context.Context, id uuid.UUID, succeeded bool, errorMessage string, at time.Time) error
	ListFailed(ctx context.Context, limit int) ([]*types.PushNotification, error)
	// FailStalePending moves PENDING rows created before cutoff to FAILED.
	FailStalePending(ctx context.Context, cutoff time.Time, errorMessage string) (int64, error)
	// WithTx runs fn against a store bound to a single transaction.
	WithTx(ctx context.Context, fn func(tx PushNotificationStore) error) error
}

// InboxStore persists the in-app notifications written by the database channel.
type InboxStore interface {
	Insert(ctx context.Context, n *types.InboxNotification) error
}

// UserStore is the identity-store view used for recipient resolution.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*types.User, error)
	// ListEligibleUserIDs pages through active users with a verified contact and a non-empty token set.
	ListEligibleUserIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	ListAdminIDs(ctx context.Context) ([]string, error)
}

// RetryWindow is the exponential backoff a FAILED row waits out between
// attempts: BaseDelay doubled per attempt already made, capped at MaxDelay.
type RetryWindow struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Now         time.Time
}

// Backoff is the wait after a row's attempts-th retry.
func (w RetryWindow) Backoff(attempts int) time.Duration {
	if w.BaseDelay <= 0 {
		return 0
	}
	delay := w.BaseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if w.MaxDelay > 0 && delay >= w.MaxDelay {
			return w.MaxDelay
		}
	}
	if w.MaxDelay > 0 && delay > w.MaxDelay {
		return w.MaxDelay
	}
	return delay
}

// Due reports whether a row with attempts retries, last touched at last, may be
// retried at Now.
func (w RetryWindow) Due(attempts int, last time.Time) bool {
	return attempts < w.MaxAttempts && !w.Now.Before(last.Add(w.Backoff(attempts)))
}
