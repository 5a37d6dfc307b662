package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/NomadCrew/order-push-backend/internal/store"
	"github.com/NomadCrew/order-push-backend/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Ensure PushNotificationStore implements store.PushNotificationStore
var _ store.PushNotificationStore = (*PushNotificationStore)(nil)

const notificationColumns = `id, user_id, type, title, body, data, status, error_message, retry_attempts,
	sent_at, delivered_at, read_at, last_retry_at, created_at, updated_at`

// PushNotificationStore persists delivery tracker rows in push_notifications.
type PushNotificationStore struct {
	db DBTX
}

// NewPushNotificationStore creates a new tracker store.
func NewPushNotificationStore(db DBTX) *PushNotificationStore {
	return &PushNotificationStore{db: db}
}

// WithTx runs fn against a store bound to one transaction. The transaction commits
// when fn returns nil; writes fn made before returning an error are rolled back.
func (s *PushNotificationStore) WithTx(ctx context.Context, fn func(tx store.PushNotificationStore) error) error {
	return inTx(ctx, s.db, func(tx pgx.Tx) error {
		return fn(&PushNotificationStore{db: tx})
	})
}

// Create inserts n (status defaults to PENDING) and fills in generated columns.
func (s *PushNotificationStore) Create(ctx context.Context, n *types.PushNotification) error {
	query := `INSERT INTO push_notifications (user_id, type, title, body, data, status)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          RETURNING id, retry_attempts, created_at, updated_at`

	if n.Status == "" {
		n.Status = types.StatusPending
	}
	data, err := encodeData(n.Data)
	if err != nil {
		return err
	}

	err = s.db.QueryRow(ctx, query,
		n.UserID,
		string(n.Type),
		n.Title,
		n.Body,
		data,
		string(n.Status),
	).Scan(&n.ID, &n.RetryAttempts, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create push notification: %w", err)
	}
	return nil
}

// GetByID loads one tracker row.
func (s *PushNotificationStore) GetByID(ctx context.Context, id uuid.UUID) (*types.PushNotification, error) {
	query := `SELECT ` + notificationColumns + ` FROM push_notifications WHERE id = $1`

	n, err := scanNotification(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("push notification %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get push notification: %w", err)
	}
	return n, nil
}

// MarkSent moves a PENDING or FAILED row to SENT.
func (s *PushNotificationStore) MarkSent(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `UPDATE push_notifications
	          SET status = 'SENT', sent_at = COALESCE(sent_at, NOW()), error_message = NULL, updated_at = NOW()
	          WHERE id = $1 AND status IN ('PENDING', 'FAILED')`
	return s.execChanged(ctx, "mark push notification sent", query, id)
}

// MarkFailed moves a PENDING row to FAILED with the given (already truncated) message.
func (s *PushNotificationStore) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error) {
	query := `UPDATE push_notifications
	          SET status = 'FAILED', error_message = $2, updated_at = NOW()
	          WHERE id = $1 AND status = 'PENDING'`
	return s.execChanged(ctx, "mark push notification failed", query, id, errorMessage)
}

// MarkDelivered moves a SENT row to DELIVERED, optionally scoped to its owner.
func (s *PushNotificationStore) MarkDelivered(ctx context.Context, id uuid.UUID, userID *string) (bool, error) {
	query := `UPDATE push_notifications
	          SET status = 'DELIVERED', delivered_at = COALESCE(delivered_at, NOW()), updated_at = NOW()
	          WHERE id = $1 AND ($2::text IS NULL OR user_id = $2) AND status = 'SENT'`
	return s.execChanged(ctx, "mark push notification delivered", query, id, userID)
}

// MarkRead moves a SENT or DELIVERED row to READ, backfilling delivered_at.
func (s *PushNotificationStore) MarkRead(ctx context.Context, id uuid.UUID, userID *string) (bool, error) {
	query := `UPDATE push_notifications
	          SET status = 'READ',
	              read_at = COALESCE(read_at, NOW()),
	              delivered_at = COALESCE(delivered_at, NOW()),
	              sent_at = COALESCE(sent_at, NOW()),
	              updated_at = NOW()
	          WHERE id = $1 AND ($2::text IS NULL OR user_id = $2) AND status IN ('SENT', 'DELIVERED')`
	return s.execChanged(ctx, "mark push notification read", query, id, userID)
}

// CountUnread counts the user's rows that are not READ.
func (s *PushNotificationStore) CountUnread(ctx context.Context, userID string) (int64, error) {
	query := `SELECT COUNT(*) FROM push_notifications WHERE user_id = $1 AND status <> 'READ'`

	var count int64
	if err := s.db.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unread push notifications: %w", err)
	}
	return count, nil
}

// ListRetryable returns FAILED rows that still have attempts left and whose
// backoff has elapsed. The backoff is evaluated here so rows that are not yet
// due never fill the page.
func (s *PushNotificationStore) ListRetryable(ctx context.Context, w store.RetryWindow, limit int) ([]*types.PushNotification, error) {
	query := `SELECT ` + notificationColumns + ` FROM push_notifications
	          WHERE status = 'FAILED' AND retry_attempts < $1
	            AND COALESCE(last_retry_at, updated_at)
	                + make_interval(secs => LEAST($2::float8 * power(2, retry_attempts), $3::float8)) <= $4
	          ORDER BY COALESCE(last_retry_at, updated_at) ASC
	          LIMIT $5`

	maxDelay := w.MaxDelay.Seconds()
	if maxDelay <= 0 {
		maxDelay = math.MaxInt32
	}
	return s.queryNotifications(ctx, query, w.MaxAttempts, max(w.BaseDelay.Seconds(), 0), maxDelay, w.Now, limit)
}

// FailStalePending fails PENDING rows older than cutoff, whose sender never
// settled them.
func (s *PushNotificationStore) FailStalePending(ctx context.Context, cutoff time.Time, errorMessage string) (int64, error) {
	query := `UPDATE push_notifications
	          SET status = 'FAILED', error_message = $2, updated_at = NOW()
	          WHERE status = 'PENDING' AND created_at < $1`

	tag, err := s.db.Exec(ctx, query, cutoff, errorMessage)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale pending push notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordRetry books one retry attempt. A successful attempt moves the row to SENT.
func (s *PushNotificationStore) RecordRetry(ctx context.Context, id uuid.UUID, succeeded bool, errorMessage string, at time.Time) error {
	var query string
	var args []any
	if succeeded {
		query = `UPDATE push_notifications
		         SET status = 'SENT', sent_at = COALESCE(sent_at, $2), error_message = NULL,
		             retry_attempts = retry_attempts + 1, last_retry_at = $2, updated_at = $2
		         WHERE id = $1 AND status = 'FAILED'`
		args = []any{id, at}
	} else {
		query = `UPDATE push_notifications
		         SET error_message = $3, retry_attempts = retry_attempts + 1, last_retry_at = $2, updated_at = $2
		         WHERE id = $1 AND status = 'FAILED'`
		args = []any{id, at, errorMessage}
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to record retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("push notification %s is no longer retryable: %w", id, store.ErrConflict)
	}
	return nil
}

// ListFailed returns the most recent FAILED rows for inspection.
func (s *PushNotificationStore) ListFailed(ctx context.Context, limit int) ([]*types.PushNotification, error) {
	query := `SELECT ` + notificationColumns + ` FROM push_notifications
	          WHERE status = 'FAILED'
	          ORDER BY updated_at DESC
	          LIMIT $1`
	return s.queryNotifications(ctx, query, limit)
}

func (s *PushNotificationStore) execChanged(ctx context.Context, op, query string, args ...any) (bool, error) {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PushNotificationStore) queryNotifications(ctx context.Context, query string, args ...any) ([]*types.PushNotification, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query push notifications: %w", err)
	}
	defer rows.Close()

	out := []*types.PushNotification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan push notification row: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration for push notifications: %w", err)
	}
	return out, nil
}

func scanNotification(row pgx.Row) (*types.PushNotification, error) {
	var (
		n         types.PushNotification
		notifType string
		status    string
		data      []byte
	)
	err := row.Scan(
		&n.ID, &n.UserID, &notifType, &n.Title, &n.Body, &data, &status, &n.ErrorMessage, &n.RetryAttempts,
		&n.SentAt, &n.DeliveredAt, &n.ReadAt, &n.LastRetryAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Type = types.NotificationType(notifType)
	n.Status = types.NotificationStatus(status)
	if n.Data, err = decodeData(data); err != nil {
		return nil, err
	}
	return &n, nil
}

// decodeData reloads numbers as json.Number so integer payload values keep
// their exact digits instead of widening to float64.
func decodeData(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]interface{}
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode notification data: %w", err)
	}
	return data, nil
}

// encodeData keeps a nil map as SQL NULL so it reloads as nil.
func encodeData(data map[string]interface{}) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification data: %w", err)
	}
	return b, nil
}
