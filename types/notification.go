package types

import (
	"time"

	"github.com/google/uuid"
)

// NotificationStatus is the delivery state of a tracked push notification.
type NotificationStatus string

const (
	StatusPending   NotificationStatus = "PENDING"
	StatusSent      NotificationStatus = "SENT"
	StatusDelivered NotificationStatus = "DELIVERED"
	StatusRead      NotificationStatus = "READ"
	StatusFailed    NotificationStatus = "FAILED"
)

// NotificationType tags what domain event produced a notification.
type NotificationType string

const (
	NotificationTypeNewOrder          NotificationType = "new_order"
	NotificationTypeOrderStatusUpdate NotificationType = "order_status_update"
	NotificationTypeBroadcast         NotificationType = "broadcast"
	NotificationTypeTest              NotificationType = "test"
	NotificationTypeReceipt           NotificationType = "receipt"
)

// MaxErrorMessageLength bounds PushNotification.ErrorMessage.
const MaxErrorMessageLength = 255

// PushNotification is the tracker record for one (user, notification) delivery.
type PushNotification struct {
	ID            uuid.UUID              `json:"id" db:"id"`
	UserID        string                 `json:"userId" db:"user_id"`
	Type          NotificationType       `json:"type" db:"type"`
	Title         string                 `json:"title" db:"title"`
	Body          string                 `json:"body" db:"body"`
	Data          map[string]interface{} `json:"data,omitempty" db:"data"`
	Status        NotificationStatus     `json:"status" db:"status"`
	ErrorMessage  *string                `json:"errorMessage,omitempty" db:"error_message"`
	RetryAttempts int                    `json:"retryAttempts" db:"retry_attempts"`
	SentAt        *time.Time             `json:"sentAt,omitempty" db:"sent_at"`
	DeliveredAt   *time.Time             `json:"deliveredAt,omitempty" db:"delivered_at"`
	ReadAt        *time.Time             `json:"readAt,omitempty" db:"read_at"`
	LastRetryAt   *time.Time             `json:"lastRetryAt,omitempty" db:"last_retry_at"`
	CreatedAt     time.Time              `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time              `json:"updatedAt" db:"updated_at"`
}

// NotificationTemplate is the shared content applied to many recipients.
type NotificationTemplate struct {
	Type  NotificationType       `json:"type"`
	Title string                 `json:"title"`
	Body  string                 `json:"body"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// InboxNotification is an in-app notification written by the database channel.
type InboxNotification struct {
	ID        uuid.UUID              `json:"id" db:"id"`
	UserID    string                 `json:"userId" db:"user_id"`
	Type      NotificationType       `json:"type" db:"type"`
	Title     string                 `json:"title" db:"title"`
	Body      string                 `json:"body" db:"body"`
	Data      map[string]interface{} `json:"data,omitempty" db:"data"`
	IsRead    bool                   `json:"isRead" db:"is_read"`
	CreatedAt time.Time              `json:"createdAt" db:"created_at"`
}

// BroadcastRequest is the admin broadcast body. Empty UserIDs with All=false is invalid.
type BroadcastRequest struct {
	Title   string                 `json:"title" binding:"required"`
	Body    string                 `json:"body" binding:"required"`
	Data    map[string]interface{} `json:"data"`
	UserIDs []string               `json:"userIds"`
	All     bool                   `json:"all"`
}

// UnreadCountResponse is returned by the unread-count endpoint.
type UnreadCountResponse struct {
	Count int64 `json:"count"`
}
