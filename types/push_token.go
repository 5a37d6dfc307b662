package types

import "time"

// Platform is the client platform a push token was issued for.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// DeviceToken is one entry of a user's push token set. The set is stored as a
// JSON array on the user row, ordered by registration.
type DeviceToken struct {
	Token      string    `json:"token"`
	DeviceID   string    `json:"deviceId,omitempty"`
	Platform   Platform  `json:"platform,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// MaskedDeviceToken is the listing form returned to clients.
type MaskedDeviceToken struct {
	Token      string    `json:"token"`
	DeviceID   string    `json:"deviceId,omitempty"`
	Platform   Platform  `json:"platform,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// RegisterPushTokenRequest is the request body for registering a push token
type RegisterPushTokenRequest struct {
	Token    string `json:"token" binding:"required"`
	DeviceID string `json:"deviceId"`
	Platform string `json:"platform" binding:"omitempty,oneof=ios android web"`
}

// DeregisterPushTokenRequest is the request body for deregistering a push token
type DeregisterPushTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// TestPushRequest is the optional body of the send-test endpoint.
type TestPushRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}
