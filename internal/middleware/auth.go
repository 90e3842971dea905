package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const UsernameKey contextKey = "username"

// TokenResolver maps a bearer token to the username it was issued for.
type TokenResolver interface {
	TokenToIdentity(ctx context.Context, token string) (string, error)
}

// Auth rejects requests without a valid "Authorization: Bearer" token and
// stores the caller's username in the request context.
func Auth(resolver TokenResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			username, err := resolver.TokenToIdentity(r.Context(), token)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UsernameKey, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// Username returns the authenticated caller, or "" outside Auth.
func Username(ctx context.Context) string {
	username, _ := ctx.Value(UsernameKey).(string)
	return username
}
