package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/fleetswitch/internal/model"
)

const agentConfigColumns = `enabled, auto_switch_enabled, manual_replica_enabled, auto_terminate_enabled,
	terminate_wait_seconds, min_savings_percent, risk_threshold, max_switches_per_week, min_pool_duration_hours`

func scanAgentConfig(row pgx.Row) (model.AgentConfig, error) {
	var c model.AgentConfig
	err := row.Scan(
		&c.Enabled, &c.AutoSwitchEnabled, &c.ManualReplicaEnabled, &c.AutoTerminateEnabled,
		&c.TerminateWaitSeconds, &c.MinSavingsPercent, &c.RiskThreshold, &c.MaxSwitchesPerWeek, &c.MinPoolDurationHours,
	)
	return c, err
}

// defaultAgentConfig matches spec §3's description of sane defaults for a
// newly-registered agent: enabled, no auto-switching or replica management
// until the operator opts in.
func defaultAgentConfig() model.AgentConfig {
	return model.AgentConfig{
		Enabled:              true,
		AutoSwitchEnabled:    false,
		ManualReplicaEnabled: false,
		AutoTerminateEnabled: true,
		TerminateWaitSeconds: 300,
		MinSavingsPercent:    15,
		RiskThreshold:        0.75,
		MaxSwitchesPerWeek:   3,
		MinPoolDurationHours: 6,
	}
}

// GetOrCreateAgentConfig returns the agent's config, creating a default row
// on first register (spec §4.9 "register ... creates default config if new").
func (s *Store) GetOrCreateAgentConfig(ctx context.Context, agentID uuid.UUID) (model.AgentConfig, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+agentConfigColumns+` FROM agent_configs WHERE agent_id = $1`, agentID)
	cfg, err := scanAgentConfig(row)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.AgentConfig{}, fmt.Errorf("getting agent config: %w", err)
	}

	cfg = defaultAgentConfig()
	row = s.dbtx.QueryRow(ctx, `
		INSERT INTO agent_configs (agent_id, enabled, auto_switch_enabled, manual_replica_enabled,
			auto_terminate_enabled, terminate_wait_seconds, min_savings_percent, risk_threshold,
			max_switches_per_week, min_pool_duration_hours)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (agent_id) DO UPDATE SET agent_id = EXCLUDED.agent_id
		RETURNING `+agentConfigColumns,
		agentID, cfg.Enabled, cfg.AutoSwitchEnabled, cfg.ManualReplicaEnabled, cfg.AutoTerminateEnabled,
		cfg.TerminateWaitSeconds, cfg.MinSavingsPercent, cfg.RiskThreshold, cfg.MaxSwitchesPerWeek, cfg.MinPoolDurationHours,
	)
	cfg, err = scanAgentConfig(row)
	if err != nil {
		return model.AgentConfig{}, fmt.Errorf("creating default agent config: %w", err)
	}
	return cfg, nil
}

// UpdateAgentConfig persists an operator-edited config. auto_switch_enabled
// and manual_replica_enabled are mutually exclusive per spec §3; callers
// must validate before calling.
func (s *Store) UpdateAgentConfig(ctx context.Context, agentID uuid.UUID, cfg model.AgentConfig) error {
	_, err := s.dbtx.Exec(ctx, `
		UPDATE agent_configs SET enabled = $2, auto_switch_enabled = $3, manual_replica_enabled = $4,
			auto_terminate_enabled = $5, terminate_wait_seconds = $6, min_savings_percent = $7,
			risk_threshold = $8, max_switches_per_week = $9, min_pool_duration_hours = $10
		WHERE agent_id = $1`,
		agentID, cfg.Enabled, cfg.AutoSwitchEnabled, cfg.ManualReplicaEnabled, cfg.AutoTerminateEnabled,
		cfg.TerminateWaitSeconds, cfg.MinSavingsPercent, cfg.RiskThreshold, cfg.MaxSwitchesPerWeek, cfg.MinPoolDurationHours,
	)
	if err != nil {
		return fmt.Errorf("updating agent config: %w", err)
	}
	return nil
}
