package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/NomadCrew/order-push-backend/internal/store"
	"github.com/NomadCrew/order-push-backend/types"
	"github.com/jackc/pgx/v5"
)

// Ensure UserStore implements store.UserStore
var _ store.UserStore = (*UserStore)(nil)

// UserStore reads the identity columns of the users table.
type UserStore struct {
	db DBTX
}

// NewUserStore creates a new user store.
func NewUserStore(db DBTX) *UserStore {
	return &UserStore{db: db}
}

// GetUserByID loads a user by id.
func (s *UserStore) GetUserByID(ctx context.Context, id string) (*types.User, error) {
	query := `SELECT id, name, COALESCE(email, ''), COALESCE(phone, ''), role,
	                 is_active, email_verified, phone_verified
	          FROM users WHERE id = $1`

	var u types.User
	var role string
	err := s.db.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Name, &u.Email, &u.Phone, &role,
		&u.IsActive, &u.EmailVerified, &u.PhoneVerified,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	u.Role = types.UserRole(role)
	return &u, nil
}

// ListEligibleUserIDs pages through broadcast recipients ordered by id.
func (s *UserStore) ListEligibleUserIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	query := `SELECT id FROM users
	          WHERE is_active = TRUE
	            AND ((email IS NOT NULL AND email_verified = TRUE) OR (phone IS NOT NULL AND phone_verified = TRUE))
	            AND jsonb_array_length(COALESCE(push_tokens, '[]'::jsonb)) > 0
	            AND id > $1
	          ORDER BY id
	          LIMIT $2`
	return queryIDs(ctx, s.db, query, afterID, limit)
}

// ListAdminIDs returns active admins with at least one push token.
func (s *UserStore) ListAdminIDs(ctx context.Context) ([]string, error) {
	query := `SELECT id FROM users
	          WHERE role = 'admin' AND is_active = TRUE
	            AND jsonb_array_length(COALESCE(push_tokens, '[]'::jsonb)) > 0
	          ORDER BY id`
	return queryIDs(ctx, s.db, query)
}
