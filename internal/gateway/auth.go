package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware validates bearer tokens against the configured list.
// An empty list disables auth entirely (loopback development).
type AuthMiddleware struct {
	tokens  []string
	enabled bool
}

func NewAuthMiddleware(tokens []string) *AuthMiddleware {
	return &AuthMiddleware{
		tokens:  tokens,
		enabled: len(tokens) > 0,
	}
}

// Wrap wraps an http.Handler with bearer token checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health stays open for probes.
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		token := ExtractToken(r)
		if token == "" {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		if !am.validToken(token) {
			http.Error(w, `{"error":"invalid bearer token"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken extracts the caller's token from request headers or query
// params. It checks, in order: Authorization: Bearer <token>, X-API-Key,
// api_key query param.
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

// validToken uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) validToken(candidate string) bool {
	for _, t := range am.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(t)) == 1 {
			return true
		}
	}
	return false
}
