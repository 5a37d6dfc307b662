package types

// UserRole distinguishes customers from staff that receive operational pushes.
type UserRole string

const (
	RoleCustomer UserRole = "customer"
	RoleAdmin    UserRole = "admin"
)

// User is the identity-store view the notification pipeline needs.
type User struct {
	ID            string   `json:"id" db:"id"`
	Name          string   `json:"name" db:"name"`
	Email         string   `json:"email,omitempty" db:"email"`
	Phone         string   `json:"phone,omitempty" db:"phone"`
	Role          UserRole `json:"role" db:"role"`
	IsActive      bool     `json:"isActive" db:"is_active"`
	EmailVerified bool     `json:"emailVerified" db:"email_verified"`
	PhoneVerified bool     `json:"phoneVerified" db:"phone_verified"`
}

// HasVerifiedContact reports whether the user verified at least one contact channel.
func (u *User) HasVerifiedContact() bool {
	return (u.Email != "" && u.EmailVerified) || (u.Phone != "" && u.PhoneVerified)
}
