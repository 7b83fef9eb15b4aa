// Package auth resolves the calling owner and guards routes with an API key.
// Identity is asserted by a trusted upstream gateway; this package does not
// verify credentials beyond the shared key.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Header names read by the middleware.
const (
	OwnerHeader  = "X-User-ID"
	APIKeyHeader = "X-API-Key"
	// OwnerQueryParam is accepted for WebSocket upgrades, where browsers
	// cannot set custom headers.
	OwnerQueryParam = "user_id"
)

type ownerKey struct{}

// WithOwner returns a copy of ctx carrying ownerID.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext returns the owner stored by RequireOwner, or "".
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// RequireOwner rejects requests without an owner with 401 and stores the
// owner in the request context otherwise.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			owner = strings.TrimSpace(r.URL.Query().Get(OwnerQueryParam))
		}
		if owner == "" {
			unauthorized(w, "missing user id")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
	})
}

// RequireAPIKey rejects requests whose X-API-Key (or api_key query
// parameter) does not match expected.
func RequireAPIKey(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				unauthorized(w, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
