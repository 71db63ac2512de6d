// Static bearer token authentication for the webhook listener.
//
// When gateway.api_key is non-empty, every request except /health must carry
//
//	Authorization: Bearer <api_key>
//
// or X-API-Key: <api_key>. WebSocket upgrade requests may pass the token as
// a ?token= query param instead. An empty key disables auth entirely, which
// is acceptable on a loopback-only listener.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/viktorstiskala/marie/pkg/logger"
)

func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		logger.WarnC("api", "API auth disabled, no api_key configured")
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		if !tokenValid(extractToken(r), apiKey) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="marie"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "bearer token required",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractToken pulls the bearer token from the Authorization header, the
// X-API-Key header, or the ?token= query param.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return ""
}

// tokenValid compares in constant time.
func tokenValid(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
