package handlers

import (
	"errors"
	"net/http"

	apperrors "github.com/NomadCrew/order-push-backend/errors"
	"github.com/NomadCrew/order-push-backend/services"
	"github.com/NomadCrew/order-push-backend/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultTestTitle = "Test notification"
	defaultTestBody  = "Push notifications are working on this device."
)

// PushTokenHandler handles HTTP requests related to push notification tokens.
type PushTokenHandler struct {
	tokens     PushTokenServiceInterface
	dispatcher NotificationDispatcher
	logger     *zap.Logger
}

// NewPushTokenHandler creates a new PushTokenHandler.
func NewPushTokenHandler(tokens PushTokenServiceInterface, dispatcher NotificationDispatcher, logger *zap.Logger) *PushTokenHandler {
	return &PushTokenHandler{
		tokens:     tokens,
		dispatcher: dispatcher,
		logger:     logger.Named("PushTokenHandler"),
	}
}

// RegisterPushToken adds or refreshes a device token for the caller.
// POST /v1/users/push-tokens
func (h *PushTokenHandler) RegisterPushToken(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}

	var req types.RegisterPushTokenRequest
	if !bindJSONOrError(c, &req) {
		return
	}

	if _, err := h.tokens.AddToken(c.Request.Context(), userID, req.Token, req.DeviceID, types.Platform(req.Platform)); err != nil {
		h.logger.Warn("Failed to register push token",
			zap.String("userID", userID),
			zap.String("platform", req.Platform),
			zap.Error(err))
		_ = c.Error(err)
		return
	}

	h.logger.Info("Registered push token",
		zap.String("userID", userID),
		zap.String("platform", req.Platform))
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Push token registered"})
}

// DeregisterPushToken removes one token, typically on logout.
// DELETE /v1/users/push-tokens
func (h *PushTokenHandler) DeregisterPushToken(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}

	var req types.DeregisterPushTokenRequest
	if !bindJSONOrError(c, &req) {
		return
	}

	removed, err := h.tokens.RemoveToken(c.Request.Context(), userID, req.Token)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !removed {
		_ = c.Error(apperrors.New(apperrors.NotFoundError, "Push token not registered", ""))
		return
	}

	h.logger.Info("Deregistered push token", zap.String("userID", userID))
	c.Status(http.StatusNoContent)
}

// DeregisterAllPushTokens clears every token of the caller.
// DELETE /v1/users/push-tokens/all
func (h *PushTokenHandler) DeregisterAllPushTokens(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}

	cleared, err := h.tokens.ClearTokens(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.logger.Info("Cleared push tokens", zap.String("userID", userID), zap.Bool("hadTokens", cleared))
	c.Status(http.StatusNoContent)
}

// ListPushTokens returns the caller's devices with masked token values.
// GET /v1/users/push-tokens
func (h *PushTokenHandler) ListPushTokens(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}

	tokens, err := h.tokens.ListUserTokens(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens, "count": len(tokens)})
}

// SendTestNotification queues a test message to the caller's own devices. The
// outcome is recorded by the tracker like any other notification.
// POST /v1/users/push-tokens/test
func (h *PushTokenHandler) SendTestNotification(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		return
	}

	var req types.TestPushRequest
	if c.Request.ContentLength > 0 && !bindJSONOrError(c, &req) {
		return
	}
	if req.Title == "" {
		req.Title = defaultTestTitle
	}
	if req.Body == "" {
		req.Body = defaultTestBody
	}

	tokens, err := h.tokens.GetUserTokens(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if len(tokens) == 0 {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "No push tokens registered"})
		return
	}

	data := map[string]interface{}{"type": string(types.NotificationTypeTest)}
	err = h.dispatcher.Dispatch(c.Request.Context(), services.SingleUser(userID), req.Title, req.Body, data, types.NotificationTypeTest)
	if err != nil {
		if errors.Is(err, services.ErrQueueFull) {
			_ = c.Error(apperrors.QueueFull("Dispatch queue is full, try again later"))
			return
		}
		h.logger.Error("Test notification failed", zap.String("userID", userID), zap.Error(err))
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"success": true, "queued": true, "devices": len(tokens), "message": "Test notification queued"})
}
