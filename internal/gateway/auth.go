package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/agentauth/internal/config"
)

// AuthMiddleware validates bearer tokens from the Authorization header.
type AuthMiddleware struct {
	tokens  []string
	enabled bool
}

// NewAuthMiddleware creates an auth middleware from config.
func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{tokens: cfg.Tokens, enabled: cfg.Enabled}
}

// Wrap wraps an http.Handler with bearer-token checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The health check stays open for load balancers.
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		token := ExtractToken(r)
		if token == "" {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		if !am.tokenValid(token) {
			http.Error(w, `{"error":"invalid bearer token"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken extracts a bearer token from request headers or query params.
// It checks, in order: Authorization: Bearer <token>, X-API-Key header,
// api_key query param (useful for WebSocket clients where headers are
// difficult).
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// tokenValid uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) tokenValid(candidate string) bool {
	valid := false
	for _, t := range am.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(t)) == 1 {
			valid = true
		}
	}
	return valid
}
