package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/NomadCrew/order-push-backend/internal/store"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/NomadCrew/order-push-backend/types"
	"github.com/jackc/pgx/v5"
)

// Ensure PushTokenStore implements store.PushTokenStore
var _ store.PushTokenStore = (*PushTokenStore)(nil)

// PushTokenStore keeps device tokens as a JSONB array on the users row.
type PushTokenStore struct {
	db DBTX
}

// NewPushTokenStore creates a new token store over the given pool.
func NewPushTokenStore(db DBTX) *PushTokenStore {
	return &PushTokenStore{db: db}
}

// GetTokens returns the stored token entries in stored order.
func (s *PushTokenStore) GetTokens(ctx context.Context, userID string) ([]types.DeviceToken, error) {
	query := `SELECT COALESCE(push_tokens, '[]'::jsonb) FROM users WHERE id = $1`

	var raw []byte
	if err := s.db.QueryRow(ctx, query, userID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get push tokens: %w", err)
	}
	return decodeTokens(raw)
}

// MutateTokens locks the user row, applies fn and writes the result back when it changed.
func (s *PushTokenStore) MutateTokens(ctx context.Context, userID string, fn store.TokenMutation) (bool, error) {
	log := logger.GetLogger()
	changed := false

	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(push_tokens, '[]'::jsonb) FROM users WHERE id = $1 FOR UPDATE`,
			userID,
		).Scan(&raw)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
			}
			return fmt.Errorf("failed to lock push tokens: %w", err)
		}

		current, err := decodeTokens(raw)
		if err != nil {
			return err
		}

		next, didChange, err := fn(current)
		if err != nil {
			return err
		}
		if !didChange {
			return nil
		}

		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode push tokens: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE users SET push_tokens = $1, updated_at = NOW() WHERE id = $2`,
			encoded, userID,
		); err != nil {
			return fmt.Errorf("failed to update push tokens: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if changed {
		log.Debugw("Push token set updated", "userID", userID)
	}
	return changed, nil
}

// ListUserIDsWithTokens pages through users that hold at least one token.
func (s *PushTokenStore) ListUserIDsWithTokens(ctx context.Context, afterID string, limit int) ([]string, error) {
	query := `SELECT id FROM users
	          WHERE jsonb_array_length(COALESCE(push_tokens, '[]'::jsonb)) > 0 AND id > $1
	          ORDER BY id
	          LIMIT $2`
	return queryIDs(ctx, s.db, query, afterID, limit)
}

func decodeTokens(raw []byte) ([]types.DeviceToken, error) {
	tokens := []types.DeviceToken{}
	if len(raw) == 0 {
		return tokens, nil
	}
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, fmt.Errorf("failed to decode push tokens: %w", err)
	}
	return tokens, nil
}

func queryIDs(ctx context.Context, db DBTX, query string, args ...any) ([]string, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query user ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration for user ids: %w", err)
	}
	return ids, nil
}
