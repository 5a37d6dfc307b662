package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockLimiter struct {
	mock.Mock
}

func (m *MockLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Bool(0), args.Get(1).(time.Duration), args.Error(2)
}

func setupRateLimitRouter(limiter Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger.IsTest = true
	r := gin.New()
	r.Use(ErrorHandler())
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			c.Set(string(UserIDKey), id)
		}
		c.Next()
	})
	r.POST("/test", EndpointRateLimiter(limiter, "push-test", 3, time.Minute), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestEndpointRateLimiter_Allows(t *testing.T) {
	limiter := new(MockLimiter)
	limiter.On("Allow", mock.Anything, "push-test:user:user-1", 3, time.Minute).Return(true, time.Duration(0), nil)
	router := setupRateLimitRouter(limiter)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set("X-Test-User", "user-1")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
	limiter.AssertExpectations(t)
}

func TestEndpointRateLimiter_Rejects(t *testing.T) {
	limiter := new(MockLimiter)
	limiter.On("Allow", mock.Anything, "push-test:user:user-1", 3, time.Minute).Return(false, 42*time.Second, nil)
	router := setupRateLimitRouter(limiter)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set("X-Test-User", "user-1")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "42", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
}

func TestEndpointRateLimiter_AnonymousUsesIP(t *testing.T) {
	limiter := new(MockLimiter)
	limiter.On("Allow", mock.Anything, "push-test:ip:192.0.2.1", 3, time.Minute).Return(true, time.Duration(0), nil)
	router := setupRateLimitRouter(limiter)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	limiter.AssertExpectations(t)
}

func TestEndpointRateLimiter_FailsOpen(t *testing.T) {
	limiter := new(MockLimiter)
	limiter.On("Allow", mock.Anything, mock.Anything, 3, time.Minute).Return(false, time.Duration(0), errors.New("redis down"))
	router := setupRateLimitRouter(limiter)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
