// Package auth holds the bearer-token middleware protecting the broker's
// proxied API surface.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stratologic/querybridge-mcp/internal/forward"
	"github.com/stratologic/querybridge-mcp/internal/oauth"
)

type contextKey string

// UserContextKey carries the validated token claims on the request context.
const UserContextKey contextKey = "user"

// Middleware validates broker access tokens on incoming requests.
type Middleware struct {
	issuer   *oauth.Issuer
	optional bool
	logger   *slog.Logger
}

// RequireAuth rejects requests without a valid token.
func RequireAuth(issuer *oauth.Issuer, logger *slog.Logger) *Middleware {
	return &Middleware{issuer: issuer, optional: false, logger: logger}
}

// OptionalAuth validates a token when present but lets anonymous requests
// through.
func OptionalAuth(issuer *oauth.Issuer, logger *slog.Logger) *Middleware {
	return &Middleware{issuer: issuer, optional: true, logger: logger}
}

// Handler wraps next with token validation. On success the claims land in
// the context under UserContextKey, and the raw bearer is stashed for the
// outbound credential forwarder.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS preflight never carries credentials.
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := ExtractTokenFromHeader(r)
		if token == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "Unauthorized: missing bearer token", http.StatusUnauthorized)
			return
		}

		claims, err := m.issuer.Validate(token)
		if err != nil {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			if m.logger != nil {
				m.logger.Warn("request rejected", "reason", "invalid token", "path", r.URL.Path)
			}
			http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, claims)
		ctx = forward.WithInboundToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HandlerFunc is Handler for plain handler functions.
func (m *Middleware) HandlerFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.Handler(next).ServeHTTP(w, r)
	}
}

// ClaimsFromContext returns the validated claims, or nil for anonymous
// requests.
func ClaimsFromContext(ctx context.Context) *oauth.TokenClaims {
	claims, _ := ctx.Value(UserContextKey).(*oauth.TokenClaims)
	return claims
}

// ExtractTokenFromHeader pulls the bearer token from the Authorization
// header, or returns "".
func ExtractTokenFromHeader(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
