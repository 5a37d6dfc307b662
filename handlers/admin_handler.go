package handlers

import (
	"errors"
	"net/http"
	"strconv"

	apperrors "github.com/NomadCrew/order-push-backend/errors"
	"github.com/NomadCrew/order-push-backend/middleware"
	"github.com/NomadCrew/order-push-backend/services"
	"github.com/NomadCrew/order-push-backend/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultFailedLimit = 50
	maxFailedLimit     = 200
)

// AdminHandler exposes broadcast and delivery inspection to admins.
type AdminHandler struct {
	dispatcher NotificationDispatcher
	tracker    NotificationTrackerInterface
	logger     *zap.Logger
}

func NewAdminHandler(dispatcher NotificationDispatcher, tracker NotificationTrackerInterface, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		dispatcher: dispatcher,
		tracker:    tracker,
		logger:     logger.Named("AdminHandler"),
	}
}

// Broadcast queues a notification for the listed users or for everyone.
// POST /v1/admin/notifications/broadcast
func (h *AdminHandler) Broadcast(c *gin.Context) {
	var req types.BroadcastRequest
	if !bindJSONOrError(c, &req) {
		return
	}

	var recipients services.Recipients
	switch {
	case req.All:
		recipients = services.AllUsers()
	case len(req.UserIDs) > 0:
		recipients = services.Users(req.UserIDs...)
	default:
		_ = c.Error(apperrors.ValidationFailed("No recipients", "set all=true or provide userIds"))
		return
	}

	data := req.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	if _, ok := data["type"]; !ok {
		data["type"] = string(types.NotificationTypeBroadcast)
	}

	err := h.dispatcher.Dispatch(c.Request.Context(), recipients, req.Title, req.Body, data, types.NotificationTypeBroadcast)
	if err != nil {
		if errors.Is(err, services.ErrQueueFull) {
			_ = c.Error(apperrors.QueueFull("Dispatch queue is full, try again later"))
			return
		}
		_ = c.Error(err)
		return
	}

	h.logger.Info("Broadcast queued",
		zap.String("adminID", c.GetString(string(middleware.UserIDKey))),
		zap.Bool("all", req.All),
		zap.Int("users", len(req.UserIDs)))
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

// ListFailed returns recent FAILED notifications with their error messages.
// GET /v1/admin/notifications/failed?limit=N
func (h *AdminHandler) ListFailed(c *gin.Context) {
	limit := defaultFailedLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			_ = c.Error(apperrors.ValidationFailed("Invalid limit", raw))
			return
		}
		limit = min(n, maxFailedLimit)
	}

	rows, err := h.tracker.ListFailed(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if rows == nil {
		rows = []*types.PushNotification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": rows, "count": len(rows)})
}
