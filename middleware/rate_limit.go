package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/NomadCrew/order-push-backend/errors"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/gin-gonic/gin"
)

// Limiter is the fixed-window counter the rate limit middleware consults.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

// EndpointRateLimiter allows requests calls per window for each caller of the
// route. Limiter failures let the request through.
func EndpointRateLimiter(limiter Limiter, name string, requests int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s:%s", name, rateLimitIdentifier(c))
		allowed, retryAfter, err := limiter.Allow(c.Request.Context(), key, requests, window)
		if err != nil {
			logger.GetLogger().Warnw("Rate limit check failed, allowing request", "key", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(requests))
		if !allowed {
			seconds := int(retryAfter.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			_ = c.Error(apperrors.RateLimitExceeded("Too many requests", seconds))
			c.Abort()
			return
		}
		c.Next()
	}
}

// Authenticated callers are limited by user id, anonymous ones by IP.
func rateLimitIdentifier(c *gin.Context) string {
	if userID := c.GetString(string(UserIDKey)); userID != "" {
		return "user:" + userID
	}
	return "ip:" + c.ClientIP()
}
