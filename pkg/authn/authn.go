// Package authn guards the operator surface with a static bearer token.
// Operator actions (channel resume, audit queries) are low-volume and
// internal, so a single shared token checked in constant time is enough;
// caller-facing submission stays open and is protected by attestation
// instead.
package authn

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/accordsai/honorlane/pkg/httpx"
)

// ParseBearer extracts the token from an Authorization header.
func ParseBearer(authorization string) (string, bool) {
	const prefix = "Bearer "
	if len(authorization) <= len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authorization[len(prefix):])
	return token, token != ""
}

// RequireBearer rejects requests whose bearer token does not match. An
// empty configured token disables the check, for local development.
func RequireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := ParseBearer(r.Header.Get("Authorization"))
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				httpx.WriteError(w, 401, "UNAUTHORIZED", "missing or invalid bearer token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
