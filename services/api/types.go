package api

import (
	"encoding/json"
	"time"
)

// Check answers for /api/connection/check.
const (
	CheckNotification = "notification"
	CheckNone         = "none"
	CheckUnknown      = "Unknown"
)

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string `json:"message" yaml:"message"`
}

// LoginRequest registers a user by email or phone number.
type LoginRequest struct {
	Identifier string `json:"identifier"`
}

// User is returned by a successful login.
type User struct {
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email,omitempty" yaml:"email,omitempty"`
	Phone string `json:"phone,omitempty" yaml:"phone,omitempty"`
}

// UsersResponse lists the cached directory.
type UsersResponse struct {
	Users       []string  `json:"users" yaml:"users"`
	Count       int       `json:"count" yaml:"count"`
	LastRefresh time.Time `json:"lastRefresh" yaml:"lastRefresh"`
}

// SessionView is a session plus whether it currently counts as active.
type SessionView struct {
	Identifier string    `json:"identifier" yaml:"identifier"`
	Watermark  time.Time `json:"watermark" yaml:"watermark"`
	LastSeen   time.Time `json:"lastSeen" yaml:"lastSeen"`
	Active     bool      `json:"active" yaml:"active"`
}

// PhoneCheck is one entry of a connection check, in request or response.
type PhoneCheck struct {
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Check       string `json:"check,omitempty"`
}

// ConnectionCheckResponse wraps the per-entry answers.
type ConnectionCheckResponse struct {
	Phones []PhoneCheck `json:"phones"`
}

// TokenStatus reports whether an API token is stored.
type TokenStatus struct {
	IsConfigured bool `json:"isConfigured" yaml:"isConfigured"`
}

// TokenRequest submits a new API token.
type TokenRequest struct {
	Token string `json:"token"`
}

// NotifyRequest publishes an arbitrary payload to a topic.
type NotifyRequest struct {
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message"`
}
