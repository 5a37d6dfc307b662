package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/NomadCrew/order-push-backend/internal/store"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/NomadCrew/order-push-backend/types"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	logger.IsTest = true
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func tokensJSON(t *testing.T, tokens ...types.DeviceToken) []byte {
	t.Helper()
	b, err := json.Marshal(tokens)
	require.NoError(t, err)
	return b
}

func TestPushTokenStore_GetTokens(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("returns stored order", func(t *testing.T) {
		mock := setupMockPool(t)
		s := NewPushTokenStore(mock)

		raw := tokensJSON(t,
			types.DeviceToken{Token: "first", CreatedAt: created, LastUsedAt: created},
			types.DeviceToken{Token: "second", DeviceID: "dev-2", CreatedAt: created, LastUsedAt: created},
		)
		mock.ExpectQuery(`SELECT COALESCE\(push_tokens, '\[\]'::jsonb\) FROM users WHERE id = \$1`).
			WithArgs("user-1").
			WillReturnRows(pgxmock.NewRows([]string{"push_tokens"}).AddRow(raw))

		tokens, err := s.GetTokens(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, tokens, 2)
		assert.Equal(t, "first", tokens[0].Token)
		assert.Equal(t, "dev-2", tokens[1].DeviceID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user", func(t *testing.T) {
		mock := setupMockPool(t)
		s := NewPushTokenStore(mock)

		mock.ExpectQuery(`SELECT COALESCE\(push_tokens`).
			WithArgs("ghost").
			WillReturnError(pgx.ErrNoRows)

		_, err := s.GetTokens(ctx, "ghost")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestPushTokenStore_MutateTokens(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("writes changed set inside a locked transaction", func(t *testing.T) {
		mock := setupMockPool(t)
		s := NewPushTokenStore(mock)

		mock.ExpectBegin()
		mock.ExpectQuery(`FROM users WHERE id = \$1 FOR UPDATE`).
			WithArgs("user-1").
			WillReturnRows(pgxmock.NewRows([]string{"push_tokens"}).AddRow([]byte(`[]`)))
		mock.ExpectExec(`UPDATE users SET push_tokens = \$1, updated_at = NOW\(\) WHERE id = \$2`).
			WithArgs(pgxmock.AnyArg(), "user-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		changed, err := s.MutateTokens(ctx, "user-1", func(current []types.DeviceToken) ([]types.DeviceToken, bool, error) {
			assert.Empty(t, current)
			return append(current, types.DeviceToken{Token: "new", CreatedAt: now, LastUsedAt: now}), true, nil
		})
		require.NoError(t, err)
		assert.True(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unchanged set is not written", func(t *testing.T) {
		mock := setupMockPool(t)
		s := NewPushTokenStore(mock)

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WithArgs("user-1").
			WillReturnRows(pgxmock.NewRows([]string{"push_tokens"}).AddRow([]byte(`[]`)))
		mock.ExpectCommit()

		changed, err := s.MutateTokens(ctx, "user-1", func(current []types.DeviceToken) ([]types.DeviceToken, bool, error) {
			return current, false, nil
		})
		require.NoError(t, err)
		assert.False(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mutation error rolls back", func(t *testing.T) {
		mock := setupMockPool(t)
		s := NewPushTokenStore(mock)
		boom := errors.New("boom")

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WithArgs("user-1").
			WillReturnRows(pgxmock.NewRows([]string{"push_tokens"}).AddRow([]byte(`[]`)))
		mock.ExpectRollback()

		changed, err := s.MutateTokens(ctx, "user-1", func([]types.DeviceToken) ([]types.DeviceToken, bool, error) {
			return nil, false, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.False(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("update failure rolls back", func(t *testing.T) {
		mock := setupMockPool(t)
		s := NewPushTokenStore(mock)

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WithArgs("user-1").
			WillReturnRows(pgxmock.NewRows([]string{"push_tokens"}).AddRow([]byte(`[]`)))
		mock.ExpectExec(`UPDATE users SET push_tokens`).
			WithArgs(pgxmock.AnyArg(), "user-1").
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		_, err := s.MutateTokens(ctx, "user-1", func(current []types.DeviceToken) ([]types.DeviceToken, bool, error) {
			return []types.DeviceToken{{Token: "x"}}, true, nil
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to update push tokens")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPushTokenStore_ListUserIDsWithTokens(t *testing.T) {
	mock := setupMockPool(t)
	s := NewPushTokenStore(mock)

	mock.ExpectQuery(`SELECT id FROM users\s+WHERE jsonb_array_length`).
		WithArgs("u-010", 2).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("u-011").AddRow("u-012"))

	ids, err := s.ListUserIDsWithTokens(context.Background(), "u-010", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"u-011", "u-012"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
