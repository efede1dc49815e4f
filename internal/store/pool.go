package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/fleetswitch/internal/apperr"
	"github.com/wisbric/fleetswitch/internal/model"
)

const poolColumns = `id, region, instance_type, az, avg_boot_time_seconds, is_active`

func scanPool(row pgx.Row) (*model.Pool, error) {
	var p model.Pool
	err := row.Scan(&p.ID, &p.Region, &p.InstanceType, &p.AZ, &p.AvgBootTimeSeconds, &p.IsActive)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPool returns a pool by id (instance_type + "." + az).
func (s *Store) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, id)
	p, err := scanPool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("pool %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting pool: %w", err)
	}
	return p, nil
}

// EnsurePool upserts a pool's identity fields, leaving cached metrics alone
// if the pool already exists (spec §3: "Immutable except for metrics fields").
func (s *Store) EnsurePool(ctx context.Context, id, region, instanceType, az string) (*model.Pool, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO pools (id, region, instance_type, az, is_active)
		VALUES ($1, $2, $3, $4, true)
		ON CONFLICT (id) DO UPDATE SET is_active = true
		RETURNING `+poolColumns,
		id, region, instanceType, az,
	)
	p, err := scanPool(row)
	if err != nil {
		return nil, fmt.Errorf("ensuring pool: %w", err)
	}
	return p, nil
}

// UpdateAvgBootTime updates a pool's cached boot-time metric.
func (s *Store) UpdateAvgBootTime(ctx context.Context, poolID string, avgSeconds float64) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE pools SET avg_boot_time_seconds = $2 WHERE id = $1`, poolID, avgSeconds)
	if err != nil {
		return fmt.Errorf("updating pool avg boot time: %w", err)
	}
	return nil
}

// ListPoolsInRegionType returns active pools for a region/instance-type pair,
// used by the emergency orchestrator and decision harness to enumerate
// alternative pools.
func (s *Store) ListPoolsInRegionType(ctx context.Context, region, instanceType string) ([]*model.Pool, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+poolColumns+` FROM pools WHERE region = $1 AND instance_type = $2 AND is_active`, region, instanceType)
	if err != nil {
		return nil, fmt.Errorf("listing pools: %w", err)
	}
	defer rows.Close()
	var out []*model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pool: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
