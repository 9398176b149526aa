package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// ctxKey is the private context key type for the authenticated user.
type ctxKey struct{}

// UserFrom returns the authenticated user stored by [Middleware], or nil.
func UserFrom(ctx context.Context) *User {
	u, _ := ctx.Value(ctxKey{}).(*User)
	return u
}

// Middleware returns HTTP middleware that authenticates every request with
// either an "Authorization: Bearer <jwt>" header or an "X-API-Key" header.
// Unauthenticated requests receive a JSON 401. The resolved user is stored
// in the request context for [UserFrom].
func Middleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, err := authenticate(r, svc)
			if err != nil {
				status := http.StatusUnauthorized
				msg := "authentication required"
				if errors.Is(err, ErrAccountDisabled) {
					status = http.StatusForbidden
					msg = "account is disabled"
				}
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(status)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, u)))
		})
	}
}

func authenticate(r *http.Request, svc *Service) (*User, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return svc.AuthenticateAPIKey(r.Context(), key)
	}
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return nil, ErrInvalidCredentials
		}
		return svc.AuthenticateToken(r.Context(), strings.TrimSpace(token))
	}
	return nil, ErrInvalidCredentials
}
