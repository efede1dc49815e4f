package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/fleetswitch/internal/apperr"
	"github.com/wisbric/fleetswitch/internal/model"
)

const tenantColumns = `id, name, auth_token_hash, enabled, created_at, deleted_at`

func scanTenant(row pgx.Row) (*model.Tenant, error) {
	var t model.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.AuthToken, &t.Enabled, &t.CreatedAt, &t.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTenant returns a tenant by ID.
func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1 AND deleted_at IS NULL`, id)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("tenant %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting tenant: %w", err)
	}
	return t, nil
}

// GetTenantByTokenHash implements authtenant.TenantLookup: it resolves a
// hashed bearer token to its owning tenant.
func (s *Store) GetTenantByTokenHash(ctx context.Context, hash string) (*model.Tenant, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE auth_token_hash = $1 AND deleted_at IS NULL`, hash)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Auth("no tenant for token")
	}
	if err != nil {
		return nil, fmt.Errorf("looking up tenant by token hash: %w", err)
	}
	return t, nil
}

// CreateTenant inserts a new tenant with an already-hashed auth token.
func (s *Store) CreateTenant(ctx context.Context, name, authTokenHash string) (*model.Tenant, error) {
	row := s.dbtx.QueryRow(ctx,
		`INSERT INTO tenants (id, name, auth_token_hash, enabled, created_at)
		 VALUES (gen_random_uuid(), $1, $2, true, now())
		 RETURNING `+tenantColumns,
		name, authTokenHash,
	)
	t, err := scanTenant(row)
	if err != nil {
		return nil, fmt.Errorf("creating tenant: %w", err)
	}
	return t, nil
}
