package middleware

// contextKey defines a type for context keys to avoid collisions.
type contextKey string

const (
	// UserIDKey is the context key for the authenticated user's ID (string).
	UserIDKey contextKey = "userID"
	// UserRoleKey holds the role claim of the authenticated user.
	UserRoleKey contextKey = "userRole"
)

// RoleAdmin is the role claim that unlocks the admin routes.
const RoleAdmin = "admin"
