package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/fleetswitch/internal/apperr"
	"github.com/wisbric/fleetswitch/internal/model"
)

const agentColumns = `id, tenant_id, logical_id, instance_id, mode, current_pool_id, region, az,
	last_heartbeat_at, status, config_version, notice_status, notice_deadline,
	last_switch_at, recent_switches_7d, version, created_at, updated_at`

func scanAgent(row pgx.Row) (*model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.ID, &a.TenantID, &a.LogicalID, &a.InstanceID, &a.Mode, &a.CurrentPoolID, &a.Region, &a.AZ,
		&a.LastHeartbeatAt, &a.Status, &a.ConfigVersion, &a.NoticeStatus, &a.NoticeDeadline,
		&a.LastSwitchAt, &a.RecentSwitches7d, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgent returns an agent by ID, scoped to tenantID.
func (s *Store) GetAgent(ctx context.Context, tenantID, agentID uuid.UUID) (*model.Agent, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 AND tenant_id = $2`, agentID, tenantID)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("agent %s not found", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}
	return a, nil
}

// GetAgentByLogicalID returns an agent by its tenant-scoped logical id.
func (s *Store) GetAgentByLogicalID(ctx context.Context, tenantID uuid.UUID, logicalID string) (*model.Agent, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE tenant_id = $1 AND logical_id = $2`, tenantID, logicalID)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("agent with logical_id %q not found", logicalID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent by logical id: %w", err)
	}
	return a, nil
}

// RegisterAgent upserts an agent by (tenant_id, logical_id): creates it with
// default identity fields if absent, or updates its reported instance/mode on
// re-registration.
func (s *Store) RegisterAgent(ctx context.Context, tenantID uuid.UUID, logicalID string, instanceID *string, mode model.AgentMode, region, az string) (*model.Agent, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO agents (id, tenant_id, logical_id, instance_id, mode, region, az, status,
			config_version, notice_status, recent_switches_7d, version, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, 1, $8, 0, 1, now(), now())
		ON CONFLICT (tenant_id, logical_id) DO UPDATE
			SET instance_id = EXCLUDED.instance_id,
			    mode = EXCLUDED.mode,
			    region = EXCLUDED.region,
			    az = EXCLUDED.az,
			    status = EXCLUDED.status,
			    updated_at = now()
		RETURNING `+agentColumns,
		tenantID, logicalID, instanceID, mode, region, az, model.AgentOnline, model.NoticeNone,
	)
	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("registering agent: %w", err)
	}
	return a, nil
}

// ListOnlineAgentsStaleSince returns agents whose last heartbeat is older
// than cutoff and still marked online (for the heartbeat sweep job).
func (s *Store) ListOnlineAgentsStaleSince(ctx context.Context, cutoff time.Time) ([]*model.Agent, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+agentColumns+` FROM agents
		WHERE status = $1 AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $2)`,
		model.AgentOnline, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("listing stale agents: %w", err)
	}
	defer rows.Close()
	var out []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning stale agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkAgentOffline sets status to offline for a specific agent.
func (s *Store) MarkAgentOffline(ctx context.Context, agentID uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE agents SET status = $2, updated_at = now() WHERE id = $1`, agentID, model.AgentOffline)
	if err != nil {
		return fmt.Errorf("marking agent offline: %w", err)
	}
	return nil
}

// Heartbeat updates an agent's liveness fields (status and
// last_heartbeat_at) only. The agent's instance pointer is set separately by
// UpdateAgentInstancePointer; callers apply the spec §4.7 "rejected
// heartbeats" rule against the instance store before calling it.
func (s *Store) Heartbeat(ctx context.Context, agentID uuid.UUID, status model.AgentStatus) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE agents SET status = $2, last_heartbeat_at = now(), updated_at = now() WHERE id = $1`,
		agentID, status)
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	return nil
}

// UpdateAgentInstancePointer sets the agent's current instance/mode/pool
// pointer. Callers must have already validated the rejected-heartbeat rule.
func (s *Store) UpdateAgentInstancePointer(ctx context.Context, agentID uuid.UUID, instanceID *string, mode model.AgentMode, poolID *string) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE agents SET instance_id = $2, mode = $3, current_pool_id = $4, updated_at = now() WHERE id = $1`,
		agentID, instanceID, mode, poolID)
	if err != nil {
		return fmt.Errorf("updating agent instance pointer: %w", err)
	}
	return nil
}

// RecordSwitch updates the agent's last_switch_at and increments its
// trailing switch counter (used by the decision harness's anti-flap filter).
func (s *Store) RecordSwitch(ctx context.Context, agentID uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE agents SET last_switch_at = now(), recent_switches_7d = recent_switches_7d + 1, updated_at = now() WHERE id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("recording switch: %w", err)
	}
	return nil
}

// SetNoticeStatus records an in-flight interruption notice and its deadline.
func (s *Store) SetNoticeStatus(ctx context.Context, agentID uuid.UUID, status model.NoticeStatus, deadline *time.Time) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE agents SET notice_status = $2, notice_deadline = $3, updated_at = now() WHERE id = $1`,
		agentID, status, deadline)
	if err != nil {
		return fmt.Errorf("setting notice status: %w", err)
	}
	return nil
}

// BumpConfigVersion increments an agent's config_version, returning the new
// value, following spec §3's "config_version (monotonic counter)".
func (s *Store) BumpConfigVersion(ctx context.Context, agentID uuid.UUID) (int64, error) {
	var version int64
	err := s.dbtx.QueryRow(ctx, `UPDATE agents SET config_version = config_version + 1, updated_at = now() WHERE id = $1 RETURNING config_version`, agentID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("bumping config version: %w", err)
	}
	return version, nil
}
