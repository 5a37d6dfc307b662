package handlers

import (
	apperrors "github.com/NomadCrew/order-push-backend/errors"
	"github.com/NomadCrew/order-push-backend/middleware"
	"github.com/gin-gonic/gin"
)

// getUserIDFromContext returns the authenticated user id. When it is missing
// an auth error is attached and false is returned.
func getUserIDFromContext(c *gin.Context) (string, bool) {
	userID := c.GetString(string(middleware.UserIDKey))
	if userID == "" {
		_ = c.Error(apperrors.AuthenticationFailed("User not authenticated"))
		return "", false
	}
	return userID, true
}

// bindJSONOrError binds JSON request body and sets validation error if binding fails.
// Returns true if binding succeeded, false if error was set (caller should return).
func bindJSONOrError(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		_ = c.Error(apperrors.ValidationFailed("invalid_request_payload", err.Error()))
		return false
	}
	return true
}
