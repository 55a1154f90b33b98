package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// publicPaths never require a key; health checks and model listing
// stay reachable behind load balancers.
var publicPaths = map[string]bool{
	"/health":    true,
	"/v1/models": true,
	"/models":    true,
}

// AuthMiddleware enforces Bearer-token auth when one or more API keys
// are configured. Without keys it is a no-op.
func AuthMiddleware(apiKeys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(apiKeys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if ok {
				for _, key := range apiKeys {
					if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			writeError(w, http.StatusUnauthorized, "invalid api key", errTypeAuthentication)
		})
	}
}
