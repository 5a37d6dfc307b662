package middleware

import (
	"context"
	"errors"
	"strings"

	apperrors "github.com/NomadCrew/order-push-backend/errors"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware validates the Bearer token and stores the caller's id and
// role on both the gin context and the request context.
func AuthMiddleware(validator Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.GetLogger()

		authHeader := c.GetHeader("Authorization")
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if authHeader == "" || token == authHeader || token == "" {
			_ = c.Error(apperrors.AuthenticationFailed("Authorization required"))
			c.Abort()
			return
		}

		claims, err := validator.Validate(token)
		if err != nil {
			log.Warnw("Invalid JWT token",
				"error", err,
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP())
			message := "Invalid authentication token"
			if errors.Is(err, ErrTokenExpired) {
				message = "Your session has expired"
			}
			_ = c.Error(apperrors.AuthenticationFailed(message))
			c.Abort()
			return
		}

		userID := claims.Principal()
		c.Set(string(UserIDKey), userID)
		c.Set(string(UserRoleKey), claims.Role)

		ctx := context.WithValue(c.Request.Context(), UserIDKey, userID)
		ctx = context.WithValue(ctx, UserRoleKey, claims.Role)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// RequireAdmin rejects callers whose role claim is not admin. It must run
// after AuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(string(UserRoleKey)) != RoleAdmin {
			logger.GetLogger().Warnw("Admin route denied",
				"userID", c.GetString(string(UserIDKey)),
				"path", c.Request.URL.Path)
			_ = c.Error(apperrors.Forbidden("Admin role required", ""))
			c.Abort()
			return
		}
		c.Next()
	}
}
