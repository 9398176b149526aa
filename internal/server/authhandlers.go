package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vectory-io/vectory/internal/auth"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "%s", err)
		return
	}
	u, err := s.opts.Auth.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			s.failFor(w, err)
			return
		}
		s.fail(w, http.StatusBadRequest, "%s", err)
		return
	}
	s.respond(w, http.StatusCreated, u)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type"`
	User        *auth.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "%s", err)
		return
	}
	token, u, err := s.opts.Auth.Login(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.fail(w, http.StatusUnauthorized, "invalid email or password")
		return
	case errors.Is(err, auth.ErrAccountDisabled):
		s.fail(w, http.StatusForbidden, "account is disabled")
		return
	case err != nil:
		s.failFor(w, err)
		return
	}
	s.respond(w, http.StatusOK, loginResponse{AccessToken: token, TokenType: "bearer", User: u})
}

type createKeyRequest struct {
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// createKeyResponse carries the raw key exactly once; it is never shown again.
type createKeyResponse struct {
	auth.APIKey
	RawKey string `json:"raw_key"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFrom(r.Context())
	if u == nil {
		s.fail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "%s", err)
		return
	}
	raw, key, err := s.opts.Auth.CreateKey(r.Context(), u.ID, req.Name, req.ExpiresAt)
	if err != nil {
		s.failFor(w, err)
		return
	}
	s.respond(w, http.StatusCreated, createKeyResponse{APIKey: *key, RawKey: raw})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFrom(r.Context())
	if u == nil {
		s.fail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	keys, err := s.opts.Auth.ListKeys(r.Context(), u.ID)
	if err != nil {
		s.failFor(w, err)
		return
	}
	s.respond(w, http.StatusOK, keys)
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFrom(r.Context())
	if u == nil {
		s.fail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid key id %q", r.PathValue("id"))
		return
	}
	if err := s.opts.Auth.RevokeKey(r.Context(), u.ID, id); err != nil {
		s.failFor(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
