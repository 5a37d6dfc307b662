package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/NomadCrew/order-push-backend/errors"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/NomadCrew/order-push-backend/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackerFixture struct {
	tracker       *DeliveryTracker
	tokens        *TokenService
	tokenStore    *fakeTokenStore
	notifications *fakeNotificationStore
	sender        *fakeSender
	reg           *prometheus.Registry
}

func newTrackerFixture(t *testing.T, userIDs ...string) *trackerFixture {
	t.Helper()
	logger.IsTest = true
	f := &trackerFixture{
		tokenStore:    newFakeTokenStore(userIDs...),
		notifications: newFakeNotificationStore(),
		sender:        &fakeSender{},
		reg:           prometheus.NewRegistry(),
	}
	f.tokens = NewTokenService(f.tokenStore, newFakeTokenCache(), 10)
	f.tracker = NewDeliveryTracker(f.notifications, f.tokens, f.sender, f.reg)
	return f
}

func TestDeliveryTracker_CreateWithoutTokens(t *testing.T) {
	f := newTrackerFixture(t, "user-1")

	n, err := f.tracker.Create(context.Background(), "user-1", types.NotificationTypeTest, "Hi", "There", nil)
	require.NoError(t, err)
	assert.Nil(t, n)
	assert.Empty(t, f.notifications.all())
	assert.Zero(t, f.sender.batchCount())
}

func TestDeliveryTracker_CreateSent(t *testing.T) {
	f := newTrackerFixture(t, "user-1")
	f.tokenStore.seed("user-1", testToken(1), testToken(2))
	f.sender.outcome = func(token string) Outcome {
		if token == testToken(1) {
			return Outcome{Success: true, HTTPStatus: 200}
		}
		return failAll(token)
	}

	n, err := f.tracker.Create(context.Background(), "user-1", types.NotificationTypeOrderStatusUpdate, "Order", "Ready",
		map[string]interface{}{"id": "42"})
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, types.StatusSent, n.Status)
	assert.NotNil(t, n.SentAt)

	rows := f.notifications.all()
	require.Len(t, rows, 1)
	assert.Equal(t, types.StatusSent, rows[0].Status)
	assert.Equal(t, "user-1", rows[0].UserID)
	assert.Equal(t, 0, rows[0].RetryAttempts)
	assert.Equal(t, float64(1), counterValue(t, f.reg, "push_notifications_total"))
}

func TestDeliveryTracker_CreateAllTokensFail(t *testing.T) {
	f := newTrackerFixture(t, "user-1")
	f.tokenStore.seed("user-1", testToken(1), testToken(2), testToken(3))
	f.sender.outcome = func(token string) Outcome {
		return Outcome{HTTPStatus: 500, ErrorBody: strings.Repeat("x", 400)}
	}

	n, err := f.tracker.Create(context.Background(), "user-1", types.NotificationTypeTest, "t", "b", nil)
	require.NoError(t, err)
	require.NotNil(t, n)

	rows := f.notifications.all()
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, types.StatusFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.NotEmpty(t, *row.ErrorMessage)
	assert.LessOrEqual(t, len([]rune(*row.ErrorMessage)), types.MaxErrorMessageLength)
	assert.Equal(t, 0, row.RetryAttempts)
	assert.Nil(t, row.SentAt)
}

func TestDeliveryTracker_CreateCredentialFailureKeepsRow(t *testing.T) {
	f := newTrackerFixture(t, "user-1")
	f.tokenStore.seed("user-1", testToken(1))
	f.sender.err = apperrors.NewCredentialError(errors.New("invalid_grant"))

	n, err := f.tracker.Create(context.Background(), "user-1", types.NotificationTypeTest, "t", "b", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.CredentialError))
	require.NotNil(t, n)
	assert.Equal(t, types.StatusFailed, n.Status)

	rows := f.notifications.all()
	require.Len(t, rows, 1)
	assert.Equal(t, types.StatusFailed, rows[0].Status)
	assert.Contains(t, *rows[0].ErrorMessage, "invalid_grant")
}

func TestDeliveryTracker_CreateStorageFailure(t *testing.T) {
	f := newTrackerFixture(t, "user-1")
	f.tokenStore.seed("user-1", testToken(1))
	f.notifications.createErr = errors.New("disk full")

	n, err := f.tracker.Create(context.Background(), "user-1", types.NotificationTypeTest, "t", "b", nil)
	assert.Nil(t, n)
	assert.True(t, apperrors.IsType(err, apperrors.DatabaseError))
	assert.Zero(t, f.sender.batchCount())
}

func TestDeliveryTracker_CreateEvictsUnregistered(t *testing.T) {
	f := newTrackerFixture(t, "user-1")
	f.tokenStore.seed("user-1", testToken(1), testToken(2))
	f.sender.outcome = func(token string) Outcome {
		if token == testToken(2) {
			return Outcome{HTTPStatus: 404, Unregistered: true}
		}
		return Outcome{Success: true, HTTPStatus: 200}
	}

	_, err := f.tracker.Create(context.Background(), "user-1", types.NotificationTypeTest, "t", "b", nil)
	require.NoError(t, err)

	entries := f.tokenStore.tokens("user-1")
	require.Len(t, entries, 1)
	assert.Equal(t, testToken(1), entries[0].Token)
}

func TestDeliveryTracker_CreateSettlesAfterDeadline(t *testing.T) {
	f := newTrackerFixture(t, "user-1")
	f.tokenStore.seed("user-1", testToken(1))
	tracker := NewDeliveryTracker(deadlineStore{f.notifications}, f.tokens, stallingSender{}, prometheus.NewRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	n, err := tracker.Create(ctx, "user-1", types.NotificationTypeTest, "Hi", "There", nil)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, types.StatusFailed, n.Status)

	rows := f.notifications.all()
	require.Len(t, rows, 1)
	assert.Equal(t, types.StatusFailed, rows[0].Status)
}

func TestDeliveryTracker_CreateExpiredContext(t *testing.T) {
	f := newTrackerFixture(t, "user-1")
	f.tokenStore.seed("user-1", testToken(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.tracker.Create(ctx, "user-1", types.NotificationTypeTest, "Hi", "There", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.notifications.all())
}

func TestDeliveryTracker_DeliveredAndRead(t *testing.T) {
	f := newTrackerFixture(t, "user-1")
	f.tokenStore.seed("user-1", testToken(1))
	ctx := context.Background()

	n, err := f.tracker.Create(ctx, "user-1", types.NotificationTypeTest, "t", "b", nil)
	require.NoError(t, err)

	count, err := f.tracker.GetUnreadCount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	other := "user-2"
	changed, err := f.tracker.MarkAsDelivered(ctx, n.ID, &other)
	require.NoError(t, err)
	assert.False(t, changed)

	owner := "user-1"
	changed, err = f.tracker.MarkAsDelivered(ctx, n.ID, &owner)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.tracker.MarkAsDelivered(ctx, n.ID, &owner)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = f.tracker.MarkAsRead(ctx, n.ID, &owner)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.tracker.MarkAsRead(ctx, n.ID, &owner)
	require.NoError(t, err)
	assert.False(t, changed)

	count, err = f.tracker.GetUnreadCount(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, count)

	row, err := f.tracker.Get(ctx, n.ID)
	require.NoError(t, err)
	require.NotNil(t, row.ReadAt)
	require.NotNil(t, row.DeliveredAt)
	require.NotNil(t, row.SentAt)
	assert.False(t, row.ReadAt.Before(*row.DeliveredAt))
	assert.False(t, row.DeliveredAt.Before(*row.SentAt))
}

func TestDeliveryTracker_GetUnknown(t *testing.T) {
	f := newTrackerFixture(t)
	_, err := f.tracker.Get(context.Background(), uuid.New())
	assert.True(t, apperrors.IsType(err, apperrors.NotFoundError))
}

func TestDeliveryTracker_StoreMany(t *testing.T) {
	f := newTrackerFixture(t, "user-1", "user-2", "user-3")
	f.tokenStore.seed("user-1", testToken(1))
	f.tokenStore.seed("user-3", testToken(3))
	tmpl := types.NotificationTemplate{Type: types.NotificationTypeBroadcast, Title: "Promo", Body: "Half price"}

	ok, err := f.tracker.StoreMany(context.Background(), tmpl, []string{"user-1", "user-2", "user-3", "user-1"})
	require.NoError(t, err)
	assert.True(t, ok)

	rows := f.notifications.all()
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, types.NotificationTypeBroadcast, row.Type)
		assert.Equal(t, "Promo", row.Title)
	}
}

func TestDeliveryTracker_StoreManyIsolatesFailures(t *testing.T) {
	f := newTrackerFixture(t, "user-1", "user-2", "user-3")
	f.tokenStore.seed("user-1", testToken(1))
	f.tokenStore.seed("user-2", testToken(2))
	f.tokenStore.seed("user-3", testToken(3))
	f.notifications.failCreate["user-2"] = true
	tmpl := types.NotificationTemplate{Type: types.NotificationTypeBroadcast, Title: "t", Body: "b"}

	ok, err := f.tracker.StoreMany(context.Background(), tmpl, []string{"user-1", "user-2", "user-3"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, f.notifications.all(), 2)
}

func TestDeliveryTracker_ListFailed(t *testing.T) {
	f := newTrackerFixture(t, "user-1")
	f.tokenStore.seed("user-1", testToken(1))
	f.sender.outcome = failAll

	_, err := f.tracker.Create(context.Background(), "user-1", types.NotificationTypeTest, "t", "b", nil)
	require.NoError(t, err)

	failed, err := f.tracker.ListFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, types.StatusFailed, failed[0].Status)
}

func TestSummarizeFailures(t *testing.T) {
	assert.Equal(t, "no deliverable tokens", summarizeFailures(nil))
	msg := summarizeFailures([]Outcome{{HTTPStatus: 503, ErrorBody: "unavailable"}, {HTTPStatus: 500}})
	assert.Equal(t, "all 2 token(s) failed; first: status 503: unavailable", msg)
}
