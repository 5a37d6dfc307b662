package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/NomadCrew/order-push-backend/middleware"
	"github.com/NomadCrew/order-push-backend/services"
	"github.com/NomadCrew/order-push-backend/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockTokenService struct {
	mock.Mock
}

func (m *MockTokenService) AddToken(ctx context.Context, userID, token, deviceID string, platform types.Platform) (bool, error) {
	args := m.Called(ctx, userID, token, deviceID, platform)
	return args.Bool(0), args.Error(1)
}

func (m *MockTokenService) RemoveToken(ctx context.Context, userID, token string) (bool, error) {
	args := m.Called(ctx, userID, token)
	return args.Bool(0), args.Error(1)
}

func (m *MockTokenService) ClearTokens(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockTokenService) ListUserTokens(ctx context.Context, userID string) ([]types.MaskedDeviceToken, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.MaskedDeviceToken), args.Error(1)
}

func (m *MockTokenService) GetUserTokens(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, r services.Recipients, title, body string, data map[string]interface{}, notifType types.NotificationType) error {
	args := m.Called(ctx, r, title, body, data, notifType)
	return args.Error(0)
}

type MockTracker struct {
	mock.Mock
}

func (m *MockTracker) MarkAsDelivered(ctx context.Context, id uuid.UUID, userID *string) (bool, error) {
	args := m.Called(ctx, id, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockTracker) MarkAsRead(ctx context.Context, id uuid.UUID, userID *string) (bool, error) {
	args := m.Called(ctx, id, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockTracker) GetUnreadCount(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockTracker) ListFailed(ctx context.Context, limit int) ([]*types.PushNotification, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*types.PushNotification), args.Error(1)
}

func (m *MockTracker) Get(ctx context.Context, id uuid.UUID) (*types.PushNotification, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.PushNotification), args.Error(1)
}

type MockOrderNotifier struct {
	mock.Mock
}

func (m *MockOrderNotifier) Handle(ctx context.Context, event types.OrderEvent) error {
	return m.Called(ctx, event).Error(0)
}

// newTestEngine mirrors the production middleware order; userID, when set,
// stands in for the auth middleware.
func newTestEngine(userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger.IsTest = true
	r := gin.New()
	r.Use(middleware.ErrorHandler())
	r.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set(string(middleware.UserIDKey), userID)
		}
		c.Next()
	})
	return r
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func performJSON(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}
