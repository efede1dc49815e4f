// Package authtenant authenticates agent- and operator-facing requests
// against a tenant's bearer token, a single-purpose narrowing of the
// teacher's multi-method API-key authenticator to this system's one
// credential kind.
package authtenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/apperr"
	"github.com/wisbric/fleetswitch/internal/httpserver"
	"github.com/wisbric/fleetswitch/internal/model"
)

// HashToken returns the SHA-256 hex digest of a raw tenant bearer token.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// TenantLookup resolves a hashed bearer token to an enabled tenant.
type TenantLookup interface {
	GetTenantByTokenHash(ctx context.Context, hash string) (*model.Tenant, error)
}

// Authenticator validates the Authorization: Bearer header against
// TenantLookup.
type Authenticator struct {
	store TenantLookup
}

func NewAuthenticator(store TenantLookup) *Authenticator {
	return &Authenticator{store: store}
}

type identityKey struct{}

// Identity is the authenticated tenant attached to the request context.
type Identity struct {
	TenantID uuid.UUID
}

// Middleware authenticates every request on the protected sub-router,
// rejecting with a 401 apperr.KindAuth on any failure.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawToken, ok := bearerToken(r)
		if !ok {
			httpserver.RespondError(w, http.StatusUnauthorized, string(apperr.KindAuth), "missing bearer token")
			return
		}

		tenant, err := a.store.GetTenantByTokenHash(r.Context(), HashToken(rawToken))
		if err != nil {
			httpserver.RespondError(w, http.StatusUnauthorized, string(apperr.KindAuth), "invalid bearer token")
			return
		}
		if !tenant.Enabled {
			httpserver.RespondError(w, http.StatusUnauthorized, string(apperr.KindAuth), "tenant disabled")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, &Identity{TenantID: tenant.ID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the authenticated tenant identity, or nil if absent.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
