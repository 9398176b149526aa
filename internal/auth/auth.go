// Package auth provides user accounts, JWT access tokens, and API keys for
// the HTTP API.
//
// Passwords are hashed with bcrypt. Access tokens are HS256 JWTs carrying
// sub/iat/exp/type claims. API keys are random 256-bit values prefixed with
// "vy_"; only their SHA-256 digest is stored, and the raw key is shown to
// the caller exactly once at creation time.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by [Store] implementations and [Service].
var (
	// ErrNotFound is returned when a user or API key does not exist.
	ErrNotFound = errors.New("auth: not found")

	// ErrEmailTaken is returned by Register when the email is already in use.
	ErrEmailTaken = errors.New("auth: email already registered")

	// ErrInvalidCredentials is returned by Login and the authenticate
	// methods. It deliberately does not distinguish unknown users from
	// wrong passwords.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrAccountDisabled is returned when the user exists but is inactive.
	ErrAccountDisabled = errors.New("auth: account is disabled")
)

// User is an account that can hold API keys and create ingestion jobs.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// APIKey is a long-lived credential owned by a user. KeyHash is the SHA-256
// hex digest of the raw key; the raw key itself is never stored.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Name       string     `json:"name,omitempty"`
	KeyHash    string     `json:"-"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IsActive   bool       `json:"is_active"`
}

// Expired reports whether the key has an expiry in the past.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Store persists users and API keys.
type Store interface {
	// CreateUser inserts a new user. ID and timestamps are assigned by the
	// store. Returns [ErrEmailTaken] on a duplicate email.
	CreateUser(ctx context.Context, u *User) error

	// GetUser fetches a user by ID.
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)

	// GetUserByEmail fetches a user by email.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// CreateAPIKey inserts a new API key. ID and CreatedAt are assigned by
	// the store.
	CreateAPIKey(ctx context.Context, k *APIKey) error

	// ListAPIKeys returns the user's keys, newest first.
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]APIKey, error)

	// GetAPIKeyByHash fetches a key by its SHA-256 hex digest.
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)

	// DeleteAPIKey removes a key owned by userID. Returns [ErrNotFound]
	// when the key does not exist or belongs to another user.
	DeleteAPIKey(ctx context.Context, userID, keyID uuid.UUID) error

	// TouchAPIKey updates the key's last_used_at timestamp.
	TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error
}
