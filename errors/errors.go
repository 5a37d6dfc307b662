package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ValidationError  ErrorType = "VALIDATION_ERROR"
	NotFoundError    ErrorType = "NOT_FOUND"
	AuthError        ErrorType = "AUTHENTICATION_ERROR"
	ForbiddenError   ErrorType = "FORBIDDEN"
	DatabaseError    ErrorType = "DATABASE_ERROR"
	CredentialError  ErrorType = "CREDENTIAL_ERROR"
	TransportFailure ErrorType = "TRANSPORT_FAILURE"
	QueueFullError   ErrorType = "QUEUE_FULL"
	RateLimitError   ErrorType = "RATE_LIMIT_EXCEEDED"
	ServerError      ErrorType = "SERVER_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	HTTPStatus int       `json:"-"`
	Raw        error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying error to errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	return e.Raw
}

// GetHTTPStatus returns the status the HTTP layer should answer with.
func (e *AppError) GetHTTPStatus() int {
	if e.HTTPStatus == 0 {
		return getHTTPStatus(e.Type)
	}
	return e.HTTPStatus
}

// New creates a new AppError
func New(errType ErrorType, message string, detail string) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		Detail:     detail,
		HTTPStatus: getHTTPStatus(errType),
	}
}

// Wrap wraps a raw error with AppError context
func Wrap(err error, errType ErrorType, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Type:       errType,
		Message:    message,
		Detail:     err.Error(),
		HTTPStatus: getHTTPStatus(errType),
		Raw:        err,
	}
}

func NotFound(entity string, id interface{}) *AppError {
	return &AppError{
		Type:       NotFoundError,
		Message:    fmt.Sprintf("%s not found", entity),
		Detail:     fmt.Sprintf("ID: %v", id),
		HTTPStatus: http.StatusNotFound,
	}
}

func ValidationFailed(message string, details string) *AppError {
	return New(ValidationError, message, details)
}

// InvalidTokenFormat is returned when a device token fails the accepted grammar.
func InvalidTokenFormat(detail string) *AppError {
	return &AppError{
		Type:       ValidationError,
		Code:       "INVALID_TOKEN_FORMAT",
		Message:    "Invalid push token format",
		Detail:     detail,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewStorageError marks a persistence failure. The raw error is kept for logs
// but the message stays generic.
func NewStorageError(err error) *AppError {
	return &AppError{
		Type:       DatabaseError,
		Message:    "Database operation failed",
		Detail:     "Please try again later",
		HTTPStatus: http.StatusInternalServerError,
		Raw:        err,
	}
}

// NewCredentialError reports that no push gateway credential could be obtained.
func NewCredentialError(err error) *AppError {
	return &AppError{
		Type:       CredentialError,
		Message:    "Unable to obtain push gateway credential",
		Detail:     errDetail(err),
		HTTPStatus: http.StatusInternalServerError,
		Raw:        err,
	}
}

// NewTransportFailure describes a gateway rejection for a single token.
func NewTransportFailure(status int, body string) *AppError {
	return &AppError{
		Type:       TransportFailure,
		Message:    fmt.Sprintf("push gateway returned status %d", status),
		Detail:     body,
		HTTPStatus: http.StatusBadGateway,
	}
}

func AuthenticationFailed(message string) *AppError {
	return New(AuthError, message, "")
}

func Forbidden(message string, details string) *AppError {
	return New(ForbiddenError, message, details)
}

// QueueFull is returned when the dispatch queue rejects new work.
func QueueFull(message string) *AppError {
	return New(QueueFullError, message, "")
}

func RateLimitExceeded(message string, retryAfterSeconds int) *AppError {
	return &AppError{
		Type:       RateLimitError,
		Message:    message,
		Detail:     fmt.Sprintf("retry after %d seconds", retryAfterSeconds),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

func InternalServerError(message string) *AppError {
	return New(ServerError, message, "")
}

// TypeOf returns the ErrorType of the first AppError in err's chain, or "".
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

// IsType reports whether err carries an AppError of the given type.
func IsType(err error, errType ErrorType) bool {
	return TypeOf(err) == errType
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func getHTTPStatus(errType ErrorType) int {
	switch errType {
	case ValidationError:
		return http.StatusBadRequest
	case NotFoundError:
		return http.StatusNotFound
	case AuthError:
		return http.StatusUnauthorized
	case ForbiddenError:
		return http.StatusForbidden
	case TransportFailure:
		return http.StatusBadGateway
	case QueueFullError:
		return http.StatusServiceUnavailable
	case RateLimitError:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
