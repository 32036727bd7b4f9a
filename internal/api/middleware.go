package api

import (
	"crypto/subtle"
	"net/http"
)

const adminKeyHeader = "X-Admin-Key"

// AdminKeyMiddleware requires the X-Admin-Key header to equal key. With no key configured the
// guarded routes are disabled.
func AdminKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				respondWithError(w, http.StatusServiceUnavailable, "admin_disabled", "admin routes are disabled")
				return
			}

			provided := r.Header.Get(adminKeyHeader)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				respondWithError(w, http.StatusUnauthorized, "unauthorized", "invalid admin key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
