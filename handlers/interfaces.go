package handlers

import (
	"context"

	"github.com/NomadCrew/order-push-backend/services"
	"github.com/NomadCrew/order-push-backend/types"
	"github.com/google/uuid"
)

// PushTokenServiceInterface is the token registry used by PushTokenHandler.
type PushTokenServiceInterface interface {
	AddToken(ctx context.Context, userID, token, deviceID string, platform types.Platform) (bool, error)
	RemoveToken(ctx context.Context, userID, token string) (bool, error)
	ClearTokens(ctx context.Context, userID string) (bool, error)
	ListUserTokens(ctx context.Context, userID string) ([]types.MaskedDeviceToken, error)
	GetUserTokens(ctx context.Context, userID string) ([]string, error)
}

// NotificationDispatcher queues a notification for recipients.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, r services.Recipients, title, body string, data map[string]interface{}, notifType types.NotificationType) error
}

// NotificationTrackerInterface exposes the tracker operations the HTTP layer needs.
type NotificationTrackerInterface interface {
	MarkAsDelivered(ctx context.Context, id uuid.UUID, userID *string) (bool, error)
	MarkAsRead(ctx context.Context, id uuid.UUID, userID *string) (bool, error)
	GetUnreadCount(ctx context.Context, userID string) (int64, error)
	ListFailed(ctx context.Context, limit int) ([]*types.PushNotification, error)
	Get(ctx context.Context, id uuid.UUID) (*types.PushNotification, error)
}

type OrderEventHandler interface {
	Handle(ctx context.Context, event types.OrderEvent) error
}

type HealthChecker interface {
	CheckHealth(ctx context.Context) types.HealthCheck
}
