package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware requires "Authorization: Bearer <token>" on every route
// except /healthz. An empty token disables the check.
func AuthMiddleware(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: "missing bearer token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: "invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey reads the token from the Authorization header, falling back
// to the X-API-Key header.
func ExtractAPIKey(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if token, ok := strings.CutPrefix(authz, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
