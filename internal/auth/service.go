package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Service implements registration, login, and credential verification on top
// of a [Store] and an [Issuer].
type Service struct {
	store  Store
	issuer *Issuer
	logger *slog.Logger
}

// NewService creates a Service. A nil logger falls back to slog.Default.
func NewService(store Store, issuer *Issuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		issuer: issuer,
		logger: logger.With("component", "auth"),
	}
}

// Register creates a new user account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, email, password, name string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("auth: invalid email %q", email)
	}
	if len(password) < 8 {
		return nil, errors.New("auth: password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	u := &User{
		Email:        email,
		PasswordHash: string(hash),
		Name:         name,
		IsActive:     true,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "user_id", u.ID, "email", u.Email)
	return u, nil
}

// Login verifies email/password and returns a signed access token alongside
// the user.
func (s *Service) Login(ctx context.Context, email, password string) (string, *User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		// Burn a bcrypt comparison so unknown emails take as long as
		// wrong passwords.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", nil, ErrInvalidCredentials
	}
	if !u.IsActive {
		return "", nil, ErrAccountDisabled
	}

	token, err := s.issuer.IssueAccessToken(u.ID)
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}

// dummyHash is a valid bcrypt hash of an unguessable value, used to equalise
// login timing for unknown emails.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("vectory-timing-pad"), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// CreateKey mints a new API key for the user. The raw key is returned once
// and never persisted.
func (s *Service) CreateKey(ctx context.Context, userID uuid.UUID, name string, expiresAt *time.Time) (string, *APIKey, error) {
	raw, hash, err := GenerateAPIKey()
	if err != nil {
		return "", nil, err
	}
	k := &APIKey{
		UserID:    userID,
		Name:      name,
		KeyHash:   hash,
		ExpiresAt: expiresAt,
		IsActive:  true,
	}
	if err := s.store.CreateAPIKey(ctx, k); err != nil {
		return "", nil, err
	}
	s.logger.Info("api key created", "user_id", userID, "key_id", k.ID)
	return raw, k, nil
}

// ListKeys returns the user's API keys.
func (s *Service) ListKeys(ctx context.Context, userID uuid.UUID) ([]APIKey, error) {
	return s.store.ListAPIKeys(ctx, userID)
}

// RevokeKey deletes an API key owned by the user.
func (s *Service) RevokeKey(ctx context.Context, userID, keyID uuid.UUID) error {
	if err := s.store.DeleteAPIKey(ctx, userID, keyID); err != nil {
		return err
	}
	s.logger.Info("api key revoked", "user_id", userID, "key_id", keyID)
	return nil
}

// AuthenticateToken resolves a bearer JWT to its user.
func (s *Service) AuthenticateToken(ctx context.Context, raw string) (*User, error) {
	userID, err := s.issuer.ParseAccessToken(raw)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	u, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrAccountDisabled
	}
	return u, nil
}

// AuthenticateAPIKey resolves a raw API key to its owning user and records
// the use.
func (s *Service) AuthenticateAPIKey(ctx context.Context, raw string) (*User, error) {
	if !strings.HasPrefix(raw, keyPrefix) {
		return nil, ErrInvalidCredentials
	}
	hash := HashAPIKey(raw)
	k, err := s.store.GetAPIKeyByHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	// The lookup is by digest; compare again in constant time so equal-length
	// digest collisions in a buggy store cannot slip through.
	if subtle.ConstantTimeCompare([]byte(k.KeyHash), []byte(hash)) != 1 {
		return nil, ErrInvalidCredentials
	}
	now := time.Now()
	if !k.IsActive || k.Expired(now) {
		return nil, ErrInvalidCredentials
	}

	u, err := s.store.GetUser(ctx, k.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrAccountDisabled
	}

	// Best effort; a failed touch must not reject the request.
	if err := s.store.TouchAPIKey(ctx, k.ID, now); err != nil {
		s.logger.Warn("failed to update key last_used_at", "key_id", k.ID, "err", err)
	}
	return u, nil
}
