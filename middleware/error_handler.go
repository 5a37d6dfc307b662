package middleware

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/NomadCrew/order-push-backend/errors"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/gin-gonic/gin"
)

type ErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"` // For HTTP status code as string
}

// ErrorHandler renders the last error attached to the gin context.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		last := c.Errors.Last()
		err := last.Err
		log := logger.GetLogger()
		fields := []interface{}{
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"client_ip", c.ClientIP(),
			"request_id", c.GetString(RequestIDKey),
		}

		var appError *errors.AppError
		if stderrors.As(err, &appError) {
			statusCode := appError.GetHTTPStatus()
			fields = append(fields, "error_type", string(appError.Type), "error", err)
			if statusCode >= http.StatusInternalServerError {
				log.Errorw("Request failed", fields...)
			} else {
				log.Warnw("Request rejected", fields...)
			}

			response := ErrorResponse{
				Type:    string(appError.Type),
				Message: appError.Message,
				Code:    strconv.Itoa(statusCode),
			}
			// Storage and credential details stay in the logs.
			if appError.Detail != "" && (gin.IsDebugging() ||
				appError.Type == errors.ValidationError ||
				appError.Type == errors.NotFoundError ||
				appError.Type == errors.RateLimitError) {
				response.Details = appError.Detail
			}
			c.JSON(statusCode, response)
			return
		}

		if last.Type == gin.ErrorTypeBind {
			log.Warnw("Request binding error", append(fields, "error", err)...)
			response := ErrorResponse{
				Type:    string(errors.ValidationError),
				Message: "Failed to bind request",
				Code:    "400",
				Details: err.Error(),
			}
			c.JSON(http.StatusBadRequest, response)
			return
		}

		log.Errorw("Unexpected server error", append(fields, "error", err)...)
		response := ErrorResponse{
			Type:    string(errors.ServerError),
			Message: "Internal Server Error",
			Code:    "500",
		}
		if gin.IsDebugging() {
			response.Details = err.Error()
		}
		c.JSON(http.StatusInternalServerError, response)
	}
}
