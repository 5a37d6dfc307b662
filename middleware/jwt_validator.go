package middleware

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenExpired is returned when JWT validation fails due to expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid is returned for signature, algorithm or format failures.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenMissingClaim is returned when neither 'sub' nor 'user_id' is set.
	ErrTokenMissingClaim = errors.New("token missing required claim")
)

// Claims is the bearer token payload issued by the ordering backend.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Principal returns the user id carried by the token, preferring 'sub'.
func (c *Claims) Principal() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.UserID
}

// Validator defines the interface for validating tokens.
type Validator interface {
	Validate(tokenString string) (*Claims, error)
}

// JWTValidator checks HS256 tokens against a shared secret.
type JWTValidator struct {
	secret []byte
	parser *jwt.Parser
}

var _ Validator = (*JWTValidator)(nil)

func NewJWTValidator(secret string) (*JWTValidator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTValidator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Principal() == "" {
		return nil, ErrTokenMissingClaim
	}
	return claims, nil
}
