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

const instanceColumns = `id, agent_id, instance_type, region, az, pool_id, mode, status, is_primary,
	is_active, version, spot_price, ondemand_price, baseline_ondemand_price, launched_at, running_at,
	promoting_at, terminating_at, zombie_at, terminated_at, termination_attempted_at,
	termination_confirmed, boot_duration_seconds, created_at, updated_at`

func scanInstance(row pgx.Row) (*model.Instance, error) {
	var i model.Instance
	err := row.Scan(
		&i.ID, &i.AgentID, &i.InstanceType, &i.Region, &i.AZ, &i.PoolID, &i.Mode, &i.Status, &i.IsPrimary,
		&i.IsActive, &i.Version, &i.SpotPrice, &i.OnDemandPrice, &i.BaselineOnDemandPrice, &i.LaunchedAt, &i.RunningAt,
		&i.PromotingAt, &i.TerminatingAt, &i.ZombieAt, &i.TerminatedAt, &i.TerminationAttemptedAt,
		&i.TerminationConfirmed, &i.BootDurationSeconds, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// GetInstance returns an instance by cloud VM id.
func (s *Store) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
	i, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("instance %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting instance: %w", err)
	}
	return i, nil
}

// InsertInstance creates the first row for a newly-launching instance.
func (s *Store) InsertInstance(ctx context.Context, inst *model.Instance) (*model.Instance, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO instances (id, agent_id, instance_type, region, az, pool_id, mode, status,
			is_primary, is_active, version, baseline_ondemand_price, launched_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, now(), now(), now())
		RETURNING `+instanceColumns,
		inst.ID, inst.AgentID, inst.InstanceType, inst.Region, inst.AZ, inst.PoolID, inst.Mode, inst.Status,
		inst.IsPrimary, inst.IsActive, inst.BaselineOnDemandPrice,
	)
	out, err := scanInstance(row)
	if err != nil {
		return nil, fmt.Errorf("inserting instance: %w", err)
	}
	return out, nil
}

// UpdateStatusIf performs the optimistic-locked transition named in spec
// §4.7: it succeeds only if the stored version still matches expectedVersion,
// incrementing version and stamping the column for the target status. On a
// version mismatch it returns an apperr.KindConflict error (the teacher's
// `tag.RowsAffected() == 0` convention, typed).
func (s *Store) UpdateStatusIf(ctx context.Context, instanceID string, expectedVersion int64, newStatus model.InstanceStatus, isPrimary, isActive bool) error {
	var timestampCol string
	switch newStatus {
	case model.InstanceRunningPrimary, model.InstanceRunningReplica:
		timestampCol = "running_at"
	case model.InstancePromoting:
		timestampCol = "promoting_at"
	case model.InstanceTerminating:
		timestampCol = "terminating_at"
	case model.InstanceZombie:
		timestampCol = "zombie_at"
	case model.InstanceTerminated:
		timestampCol = "terminated_at"
	default:
		timestampCol = ""
	}

	query := `UPDATE instances SET status = $3, is_primary = $4, is_active = $5, version = version + 1, updated_at = now()`
	if timestampCol != "" {
		query += fmt.Sprintf(", %s = now()", timestampCol)
	}
	query += ` WHERE id = $1 AND version = $2`

	tag, err := s.dbtx.Exec(ctx, query, instanceID, expectedVersion, newStatus, isPrimary, isActive)
	if err != nil {
		return fmt.Errorf("updating instance status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("instance %s version mismatch (expected %d)", instanceID, expectedVersion)
	}
	return nil
}

// RecordPriceObservation stores an agent-reported spot/on-demand price pair
// on the instance row (used by the decision harness to compute current
// savings).
func (s *Store) RecordPriceObservation(ctx context.Context, instanceID string, spotPrice, onDemandPrice float64) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE instances SET spot_price = $2, ondemand_price = $3, updated_at = now() WHERE id = $1`,
		instanceID, spotPrice, onDemandPrice)
	if err != nil {
		return fmt.Errorf("recording price observation: %w", err)
	}
	return nil
}

// MarkTerminationAttempted stamps termination_attempted_at, enforcing the
// dispatcher's 5-minute cooldown (spec §4.6).
func (s *Store) MarkTerminationAttempted(ctx context.Context, instanceID string) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE instances SET termination_attempted_at = now() WHERE id = $1`, instanceID)
	if err != nil {
		return fmt.Errorf("marking termination attempted: %w", err)
	}
	return nil
}

// ConfirmTermination records an agent-reported termination outcome.
func (s *Store) ConfirmTermination(ctx context.Context, instanceID string, confirmed bool) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE instances SET termination_confirmed = $2, updated_at = now() WHERE id = $1`, instanceID, confirmed)
	if err != nil {
		return fmt.Errorf("confirming termination: %w", err)
	}
	return nil
}

// RecordBootDuration stores how long a promoted replica took to become
// primary, feeding fastest_boot_pool's historical-mean ranking (spec §4.8).
func (s *Store) RecordBootDuration(ctx context.Context, instanceID string, seconds float64) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE instances SET boot_duration_seconds = $2 WHERE id = $1`, instanceID, seconds)
	if err != nil {
		return fmt.Errorf("recording boot duration: %w", err)
	}
	return nil
}

// ListZombiesPastWait returns zombie instances whose wait period has elapsed
// and whose termination was not attempted within the last 5 minutes (spec
// §4.6's termination cooldown).
func (s *Store) ListZombiesPastWait(ctx context.Context, now time.Time) ([]*model.Instance, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT `+instanceColumns+` FROM instances i
		JOIN agent_configs ac ON ac.agent_id = i.agent_id
		WHERE i.status = $1
		  AND i.zombie_at IS NOT NULL
		  AND EXTRACT(EPOCH FROM ($2 - i.zombie_at)) >= ac.terminate_wait_seconds
		  AND (i.termination_attempted_at IS NULL OR $2 - i.termination_attempted_at >= interval '5 minutes')`,
		model.InstanceZombie, now,
	)
	if err != nil {
		return nil, fmt.Errorf("listing zombies past wait: %w", err)
	}
	defer rows.Close()
	var out []*model.Instance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning zombie instance: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ListUnconfirmedTerminated returns instances reported terminated but not
// yet confirmed, also respecting the 5-minute cooldown.
func (s *Store) ListUnconfirmedTerminated(ctx context.Context, now time.Time) ([]*model.Instance, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE status = $1 AND NOT termination_confirmed
		  AND (termination_attempted_at IS NULL OR $2 - termination_attempted_at >= interval '5 minutes')`,
		model.InstanceTerminating, now,
	)
	if err != nil {
		return nil, fmt.Errorf("listing unconfirmed terminations: %w", err)
	}
	defer rows.Close()
	var out []*model.Instance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning unconfirmed instance: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ListReadyReplica returns the agent's current running_replica instance, if
// any, for the emergency orchestrator's "existing replica is ready" check.
func (s *Store) ListReadyReplica(ctx context.Context, agentID uuid.UUID) (*model.Instance, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances
		WHERE agent_id = $1 AND status = $2 AND is_active
		ORDER BY created_at DESC LIMIT 1`, agentID, model.InstanceRunningReplica)
	i, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting ready replica: %w", err)
	}
	return i, nil
}

// ListInstancesForTenant returns every instance belonging to agents owned by
// tenantID, for the operator-facing list_instances endpoint (spec §4.9).
func (s *Store) ListInstancesForTenant(ctx context.Context, tenantID uuid.UUID) ([]*model.Instance, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		WHERE agent_id IN (SELECT id FROM agents WHERE tenant_id = $1)
		ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing instances for tenant: %w", err)
	}
	defer rows.Close()
	var out []*model.Instance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant instance: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// HistoricalMeanBootTime returns the mean boot_duration_seconds over the most
// recent promoted replicas in a pool, and whether at least minSamples exist
// (spec §4.8 fastest_boot_pool rule 1).
func (s *Store) HistoricalMeanBootTime(ctx context.Context, poolID string, minSamples int) (float64, bool, error) {
	row := s.dbtx.QueryRow(ctx, `
		SELECT avg(boot_duration_seconds), count(*)
		FROM (
			SELECT boot_duration_seconds FROM instances
			WHERE pool_id = $1 AND boot_duration_seconds IS NOT NULL
			ORDER BY updated_at DESC LIMIT 20
		) recent`, poolID)
	var avg *float64
	var count int
	if err := row.Scan(&avg, &count); err != nil {
		return 0, false, fmt.Errorf("computing historical mean boot time: %w", err)
	}
	if avg == nil || count < minSamples {
		return 0, false, nil
	}
	return *avg, true, nil
}
