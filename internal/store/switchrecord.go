package store

import (
	"context"
	"fmt"

	"github.com/wisbric/fleetswitch/internal/model"
)

// InsertSwitchRecord writes the immutable audit row for a completed cutover
// (spec §3 "Switch record").
func (s *Store) InsertSwitchRecord(ctx context.Context, r *model.SwitchRecord) error {
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO switches (id, agent_id, from_instance_id, to_instance_id, from_pool_id, to_pool_id,
			from_mode, to_mode, old_price, new_price, savings_impact_per_hour, downtime_seconds, trigger, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())`,
		r.AgentID, r.FromInstanceID, r.ToInstanceID, r.FromPoolID, r.ToPoolID,
		r.FromMode, r.ToMode, r.OldPrice, r.NewPrice, r.SavingsImpactPerHour, r.DowntimeSeconds, r.Trigger,
	)
	if err != nil {
		return fmt.Errorf("inserting switch record: %w", err)
	}
	return nil
}
