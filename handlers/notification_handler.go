package handlers

import (
	"context"
	"net/http"

	apperrors "github.com/NomadCrew/order-push-backend/errors"
	"github.com/NomadCrew/order-push-backend/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NotificationHandler serves the recipient side of tracked notifications.
type NotificationHandler struct {
	tracker NotificationTrackerInterface
	logger  *zap.Logger
}

func NewNotificationHandler(tracker NotificationTrackerInterface, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		tracker: tracker,
		logger:  logger.Named("NotificationHandler"),
	}
}

// GetUnreadCount returns how many of the caller's notifications are not read.
// GET /v1/notifications/unread-count
func (h *NotificationHandler) GetUnreadCount(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}

	count, err := h.tracker.GetUnreadCount(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, types.UnreadCountResponse{Count: count})
}

// MarkDelivered is called by the client when a push arrives.
// PATCH /v1/notifications/:id/delivered
func (h *NotificationHandler) MarkDelivered(c *gin.Context) {
	h.transition(c, "delivered", h.tracker.MarkAsDelivered)
}

// MarkRead is called when the user opens a notification.
// PATCH /v1/notifications/:id/read
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	h.transition(c, "read", h.tracker.MarkAsRead)
}

type markFunc func(ctx context.Context, id uuid.UUID, userID *string) (bool, error)

// transition applies mark to the caller's own notification. Unknown ids and
// rows owned by someone else answer 404; a row already past the target state
// answers 200 with success=false and its current status.
func (h *NotificationHandler) transition(c *gin.Context, state string, mark markFunc) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(apperrors.ValidationFailed("Invalid notification ID", c.Param("id")))
		return
	}

	changed, err := mark(c.Request.Context(), id, &userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if changed {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	n, err := h.tracker.Get(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if n.UserID != userID {
		_ = c.Error(apperrors.NotFound("Notification", id))
		return
	}
	h.logger.Debug("Notification transition not applied",
		zap.String("id", id.String()),
		zap.String("state", state),
		zap.String("status", string(n.Status)))
	c.JSON(http.StatusOK, gin.H{"success": false, "status": n.Status})
}
