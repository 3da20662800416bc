package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey struct{}

var userContextKey contextKey

// UserFrom returns the authenticated user attached by Middleware.
func UserFrom(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userContextKey).(*User)
	return user, ok
}

// Middleware authenticates a request from either the session cookie or a
// bearer API token, loads the user and attaches it to the context. Session
// resolution enforces expiry and the token-version gate; bearer tokens are
// rejected if their version snapshot is stale.
func Middleware(service *Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := resolveUser(service, r)
		if user == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	})
}

func resolveUser(service *Service, r *http.Request) *User {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		if sessionID := service.DecodeSessionCookie(cookie.Value); sessionID != "" {
			if user, err := service.GetUserForSession(r.Context(), sessionID); err == nil && user != nil {
				return user
			}
		}
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token := strings.TrimSpace(parts[1])
			if token != "" {
				if user, err := service.GetUserForAPIToken(r.Context(), token); err == nil && user != nil {
					return user
				}
			}
		}
	}

	return nil
}
