package services

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/NomadCrew/order-push-backend/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// NewServiceAccountTokenSource builds the push gateway credential source from a
// service-account key file. Tokens are reused until skew before their expiry,
// so one OAuth2 exchange serves many batches.
func NewServiceAccountTokenSource(credentialsFile string, skew, timeout time.Duration) (oauth2.TokenSource, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	return TokenSourceFromJSON(data, skew, timeout)
}

// TokenSourceFromJSON is NewServiceAccountTokenSource for an in-memory key.
func TokenSourceFromJSON(data []byte, skew, timeout time.Duration) (oauth2.TokenSource, error) {
	jwtCfg, err := google.JWTConfigFromJSON(data, config.FCMScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}

	// The exchange runs on whatever goroutine first needs a token, so it gets
	// its own client instead of a request context.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
	return oauth2.ReuseTokenSourceWithExpiry(nil, jwtCfg.TokenSource(ctx), skew), nil
}
