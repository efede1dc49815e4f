package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/model"
)

// InsertDecisionRecord persists one Decision Engine Harness evaluation for
// analytics, whether or not it resulted in a switch (spec §4.4).
func (s *Store) InsertDecisionRecord(ctx context.Context, r *model.DecisionRecord) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO decisions (agent_id, action, target_pool_id, risk_score, expected_savings_per_hour, confidence, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		r.AgentID, r.Action, r.TargetPoolID, r.RiskScore, r.ExpectedSavingsPerHour, r.Confidence, r.Reason,
	)
	if err != nil {
		return fmt.Errorf("inserting decision record: %w", err)
	}
	return nil
}

// ListRecentDecisions returns an agent's most recent decisions, newest first.
func (s *Store) ListRecentDecisions(ctx context.Context, agentID uuid.UUID, limit int) ([]*model.DecisionRecord, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT id, agent_id, action, target_pool_id, risk_score, expected_savings_per_hour, confidence, reason, created_at
		FROM decisions WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing decisions: %w", err)
	}
	defer rows.Close()
	var out []*model.DecisionRecord
	for rows.Next() {
		var d model.DecisionRecord
		if err := rows.Scan(&d.ID, &d.AgentID, &d.Action, &d.TargetPoolID, &d.RiskScore, &d.ExpectedSavingsPerHour, &d.Confidence, &d.Reason, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
