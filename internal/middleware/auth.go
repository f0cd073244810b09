package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/RubenOsiris073/ssh-manager/internal/auth"
	"github.com/RubenOsiris073/ssh-manager/internal/database"
)

type contextKey string

const (
	userContextKey   contextKey = "user"
	claimsContextKey contextKey = "claims"
)

// TokenParser resolves a bearer token to its claims. *auth.Issuer
// implements it.
type TokenParser interface {
	Claims(ctx context.Context, token string) (*auth.Claims, error)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the auth-token cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if c, err := r.Cookie(auth.TokenCookie); err == nil {
		return c.Value
	}
	return ""
}

func RequireAuth(tokens TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := TokenFromRequest(r)
			if tok == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Access token required"})
				return
			}

			claims, err := tokens.Claims(r.Context(), tok)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid or expired token"})
				return
			}

			user, err := database.GetUserByID(claims.UserID)
			if err != nil || !user.IsActive {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid or expired token"})
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			ctx = context.WithValue(ctx, claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUser(r *http.Request) *database.User {
	user, _ := r.Context().Value(userContextKey).(*database.User)
	return user
}

func GetClaims(r *http.Request) *auth.Claims {
	c, _ := r.Context().Value(claimsContextKey).(*auth.Claims)
	return c
}
