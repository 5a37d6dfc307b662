package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/NomadCrew/order-push-backend/errors"
	"github.com/NomadCrew/order-push-backend/internal/store"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/NomadCrew/order-push-backend/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// settleTimeout bounds the writes that settle rows once the send is over,
// which run detached from the job context so an expired job still settles.
const settleTimeout = 10 * time.Second

// TokenResolver is the part of TokenService the delivery path needs.
type TokenResolver interface {
	GetUserTokens(ctx context.Context, userID string) ([]string, error)
	EvictTokens(ctx context.Context, userID string, tokens []string) (int, error)
}

// DeliveryTracker persists one PushNotification per (user, notification) and
// moves it through PENDING, SENT/FAILED, DELIVERED and READ.
type DeliveryTracker struct {
	store    store.PushNotificationStore
	tokens   TokenResolver
	sender   Sender
	log      *zap.Logger
	outcomes *prometheus.CounterVec
	now      func() time.Time
}

// NewDeliveryTracker creates a tracker registering its metrics on reg.
func NewDeliveryTracker(st store.PushNotificationStore, tokens TokenResolver, sender Sender, reg prometheus.Registerer) *DeliveryTracker {
	return &DeliveryTracker{
		store:  st,
		tokens: tokens,
		sender: sender,
		log:    logger.Named("delivery-tracker"),
		outcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "push_notifications_total",
			Help: "Tracked push notifications by status after the send attempt",
		}, []string{"status", "type"}),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create records and sends a notification to all of the user's tokens.
//
// A user without tokens gets no row and (nil, nil). Otherwise the row is
// created PENDING and leaves the transaction SENT or FAILED. When the sender
// cannot obtain a credential the FAILED row is still committed and the
// credential error is returned alongside it. The transaction outlives ctx by
// settleTimeout, so a send that runs into the deadline still commits FAILED.
func (t *DeliveryTracker) Create(ctx context.Context, userID string, notifType types.NotificationType, title, body string, data map[string]interface{}) (*types.PushNotification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens, err := t.tokens.GetUserTokens(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		t.log.Info("User has no push tokens, skipping notification",
			zap.String("userID", userID),
			zap.String("type", string(notifType)))
		return nil, nil
	}

	n := &types.PushNotification{
		UserID: userID,
		Type:   notifType,
		Title:  title,
		Body:   body,
		Data:   data,
		Status: types.StatusPending,
	}
	msg := PushMessage{Title: title, Body: body, Data: data, Category: string(notifType)}

	txCtx, cancel := outliveContext(ctx)
	defer cancel()

	var sendErr error
	var result BatchResult
	err = t.store.WithTx(txCtx, func(tx store.PushNotificationStore) error {
		if err := tx.Create(txCtx, n); err != nil {
			return err
		}

		result, sendErr = t.sender.SendBatch(ctx, tokens, msg)
		if sendErr != nil {
			return t.markFailed(txCtx, tx, n, sendErr.Error())
		}
		if result.SuccessCount > 0 {
			return t.markSent(txCtx, tx, n)
		}
		return t.markFailed(txCtx, tx, n, summarizeFailures(result.Outcomes))
	})
	if err != nil {
		t.log.Error("Failed to persist push notification", zap.String("userID", userID), zap.Error(err))
		return nil, apperrors.NewStorageError(err)
	}

	t.outcomes.WithLabelValues(string(n.Status), string(notifType)).Inc()
	t.evictUnregistered(txCtx, userID, result.UnregisteredTokens())

	if sendErr != nil {
		return n, sendErr
	}
	return n, nil
}

// CreatePending inserts a PENDING row per user for a batched send. Users whose
// insert fails are logged and left out of the returned map.
func (t *DeliveryTracker) CreatePending(ctx context.Context, userIDs []string, tmpl types.NotificationTemplate) (map[string]*types.PushNotification, int) {
	rows := make(map[string]*types.PushNotification, len(userIDs))
	failures := 0
	for _, userID := range userIDs {
		if _, dup := rows[userID]; dup {
			continue
		}
		n := &types.PushNotification{
			UserID: userID,
			Type:   tmpl.Type,
			Title:  tmpl.Title,
			Body:   tmpl.Body,
			Data:   tmpl.Data,
			Status: types.StatusPending,
		}
		if err := t.store.Create(ctx, n); err != nil {
			failures++
			t.log.Error("Failed to create push notification row", zap.String("userID", userID), zap.Error(err))
			continue
		}
		rows[userID] = n
	}
	return rows, failures
}

// RecordBatch settles the PENDING rows of a flattened batch. owners[i] is the
// user that tokens[i] of the batch belongs to. A user is SENT when any of their
// tokens was accepted. sendErr (a credential failure) fails every row. Rows are
// settled even when ctx has already expired.
func (t *DeliveryTracker) RecordBatch(ctx context.Context, rows map[string]*types.PushNotification, owners []string, result BatchResult, sendErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	perUser := make(map[string][]Outcome, len(rows))
	if sendErr == nil {
		for i, o := range result.Outcomes {
			if i < len(owners) && !o.Skipped {
				perUser[owners[i]] = append(perUser[owners[i]], o)
			}
		}
	}

	for userID, n := range rows {
		var err error
		switch {
		case sendErr != nil:
			err = t.markFailed(ctx, t.store, n, sendErr.Error())
		case anySuccess(perUser[userID]):
			err = t.markSent(ctx, t.store, n)
		default:
			err = t.markFailed(ctx, t.store, n, summarizeFailures(perUser[userID]))
		}
		if err != nil {
			t.log.Error("Failed to settle push notification row",
				zap.String("notificationID", n.ID.String()),
				zap.String("userID", userID),
				zap.Error(err))
			continue
		}
		t.outcomes.WithLabelValues(string(n.Status), string(n.Type)).Inc()

		var unregistered []string
		for _, o := range perUser[userID] {
			if o.Unregistered {
				unregistered = append(unregistered, o.Token)
			}
		}
		t.evictUnregistered(ctx, userID, unregistered)
	}
}

// StoreMany creates and sends the template to each user independently. It
// returns true only when no user failed; every user is attempted.
func (t *DeliveryTracker) StoreMany(ctx context.Context, tmpl types.NotificationTemplate, userIDs []string) (bool, error) {
	failures := 0
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		if _, err := t.Create(ctx, userID, tmpl.Type, tmpl.Title, tmpl.Body, tmpl.Data); err != nil {
			failures++
			t.log.Warn("Notification failed for user", zap.String("userID", userID), zap.Error(err))
		}
	}
	if failures > 0 {
		t.log.Warn("Bulk notification finished with failures",
			zap.Int("users", len(seen)),
			zap.Int("failures", failures))
		return false, nil
	}
	return true, nil
}

// MarkAsDelivered acknowledges receipt. userID, when set, must own the row.
func (t *DeliveryTracker) MarkAsDelivered(ctx context.Context, id uuid.UUID, userID *string) (bool, error) {
	changed, err := t.store.MarkDelivered(ctx, id, userID)
	if err != nil {
		return false, apperrors.NewStorageError(err)
	}
	return changed, nil
}

// MarkAsRead marks the notification opened. userID, when set, must own the row.
func (t *DeliveryTracker) MarkAsRead(ctx context.Context, id uuid.UUID, userID *string) (bool, error) {
	changed, err := t.store.MarkRead(ctx, id, userID)
	if err != nil {
		return false, apperrors.NewStorageError(err)
	}
	return changed, nil
}

// GetUnreadCount counts the user's notifications that are not READ.
func (t *DeliveryTracker) GetUnreadCount(ctx context.Context, userID string) (int64, error) {
	count, err := t.store.CountUnread(ctx, userID)
	if err != nil {
		return 0, apperrors.NewStorageError(err)
	}
	return count, nil
}

// ListFailed returns recent FAILED notifications for inspection.
func (t *DeliveryTracker) ListFailed(ctx context.Context, limit int) ([]*types.PushNotification, error) {
	rows, err := t.store.ListFailed(ctx, limit)
	if err != nil {
		return nil, apperrors.NewStorageError(err)
	}
	return rows, nil
}

// Get loads a single notification.
func (t *DeliveryTracker) Get(ctx context.Context, id uuid.UUID) (*types.PushNotification, error) {
	n, err := t.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("Notification", id)
		}
		return nil, apperrors.NewStorageError(err)
	}
	return n, nil
}

func (t *DeliveryTracker) markSent(ctx context.Context, st store.PushNotificationStore, n *types.PushNotification) error {
	if _, err := st.MarkSent(ctx, n.ID); err != nil {
		return err
	}
	now := t.now()
	n.Status = types.StatusSent
	n.SentAt = &now
	n.ErrorMessage = nil
	return nil
}

func (t *DeliveryTracker) markFailed(ctx context.Context, st store.PushNotificationStore, n *types.PushNotification, reason string) error {
	msg := truncate(reason, types.MaxErrorMessageLength)
	if msg == "" {
		msg = "push delivery failed"
	}
	if _, err := st.MarkFailed(ctx, n.ID, msg); err != nil {
		return err
	}
	n.Status = types.StatusFailed
	n.ErrorMessage = &msg
	return nil
}

func (t *DeliveryTracker) evictUnregistered(ctx context.Context, userID string, tokens []string) {
	if len(tokens) == 0 {
		return
	}
	removed, err := t.tokens.EvictTokens(ctx, userID, tokens)
	if err != nil {
		t.log.Warn("Failed to evict unregistered tokens", zap.String("userID", userID), zap.Error(err))
		return
	}
	t.log.Info("Evicted unregistered push tokens", zap.String("userID", userID), zap.Int("removed", removed))
}

// outliveContext detaches ctx from its cancellation. The result ends
// settleTimeout after ctx's deadline, or never when ctx has none.
func outliveContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline.Add(settleTimeout))
	}
	return context.WithCancel(detached)
}

func anySuccess(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.Success {
			return true
		}
	}
	return false
}

// summarizeFailures builds the error text stored on a FAILED row.
func summarizeFailures(outcomes []Outcome) string {
	if len(outcomes) == 0 {
		return "no deliverable tokens"
	}
	first := outcomes[0]
	detail := first.ErrorBody
	if detail == "" {
		detail = "no response"
	}
	return fmt.Sprintf("all %d token(s) failed; first: status %d: %s", len(outcomes), first.HTTPStatus, detail)
}
