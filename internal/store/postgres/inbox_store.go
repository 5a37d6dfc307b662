package postgres

import (
	"context"
	"fmt"

	"github.com/NomadCrew/order-push-backend/internal/store"
	"github.com/NomadCrew/order-push-backend/types"
)

// Ensure InboxStore implements store.InboxStore
var _ store.InboxStore = (*InboxStore)(nil)

// InboxStore writes in-app notifications to user_notifications.
type InboxStore struct {
	db DBTX
}

// NewInboxStore creates a new inbox store.
func NewInboxStore(db DBTX) *InboxStore {
	return &InboxStore{db: db}
}

// Insert adds one unread inbox row.
func (s *InboxStore) Insert(ctx context.Context, n *types.InboxNotification) error {
	query := `INSERT INTO user_notifications (user_id, type, title, body, data)
	          VALUES ($1, $2, $3, $4, $5)
	          RETURNING id, is_read, created_at`

	data, err := encodeData(n.Data)
	if err != nil {
		return err
	}
	err = s.db.QueryRow(ctx, query, n.UserID, string(n.Type), n.Title, n.Body, data).
		Scan(&n.ID, &n.IsRead, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert inbox notification: %w", err)
	}
	return nil
}
