package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"

const requestIDHeader = "X-Request-ID"

// RequestIDMiddleware keeps an upstream X-Request-ID or assigns a new one and
// echoes it on the response.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}
