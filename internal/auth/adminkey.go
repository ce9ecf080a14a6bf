// Package auth implements bearer-key authentication for the Courier admin API.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	courier "github.com/eugener/courier/internal"
)

// AdminKeyAuth authenticates requests carrying "Authorization: Bearer <key>".
// An empty key disables authentication.
type AdminKeyAuth struct {
	hash    [sha256.Size]byte
	enabled bool
}

// NewAdminKeyAuth returns an authenticator for key.
func NewAdminKeyAuth(key string) *AdminKeyAuth {
	if key == "" {
		return &AdminKeyAuth{}
	}
	return &AdminKeyAuth{hash: sha256.Sum256([]byte(key)), enabled: true}
}

// Enabled reports whether requests are checked at all.
func (a *AdminKeyAuth) Enabled() bool { return a.enabled }

// Authenticate returns ErrUnauthorized unless r carries the admin key.
// Digests are compared so the check is constant-time regardless of length.
func (a *AdminKeyAuth) Authenticate(r *http.Request) error {
	if !a.enabled {
		return nil
	}
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return courier.ErrUnauthorized
	}
	got := sha256.Sum256([]byte(raw))
	if subtle.ConstantTimeCompare(got[:], a.hash[:]) != 1 {
		return courier.ErrUnauthorized
	}
	return nil
}
