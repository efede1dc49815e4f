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

const commandColumns = `id, agent_id, instance_id, command_type, target_mode, target_pool_id, priority,
	terminate_wait_seconds, status, request_id, created_at, deadline, executed_at, success, message`

func scanCommand(row pgx.Row) (*model.Command, error) {
	var c model.Command
	err := row.Scan(
		&c.ID, &c.AgentID, &c.InstanceID, &c.CommandType, &c.TargetMode, &c.TargetPoolID, &c.Priority,
		&c.TerminateWaitSeconds, &c.Status, &c.RequestID, &c.CreatedAt, &c.Deadline, &c.ExecutedAt, &c.Success, &c.Message,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCommandByRequestID implements the enqueue idempotency check: at most one
// command exists per (agent_id, request_id) (spec §3 Command invariant).
func (s *Store) GetCommandByRequestID(ctx context.Context, agentID uuid.UUID, requestID string) (*model.Command, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE agent_id = $1 AND request_id = $2`, agentID, requestID)
	c, err := scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up command by request id: %w", err)
	}
	return c, nil
}

// EnqueueCommand inserts a new command. Callers must have already checked
// GetCommandByRequestID for idempotency and confirmed the target isn't
// redundant against current state.
func (s *Store) EnqueueCommand(ctx context.Context, cmd *model.Command) (*model.Command, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO commands (id, agent_id, instance_id, command_type, target_mode, target_pool_id, priority,
			terminate_wait_seconds, status, request_id, created_at, deadline)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, now(), $10)
		ON CONFLICT (agent_id, request_id) DO NOTHING
		RETURNING `+commandColumns,
		cmd.AgentID, cmd.InstanceID, cmd.CommandType, cmd.TargetMode, cmd.TargetPoolID, cmd.Priority,
		cmd.TerminateWaitSeconds, model.CommandPending, cmd.RequestID, cmd.Deadline,
	)
	out, err := scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race to a concurrent enqueue with the same request_id;
		// return the row that won.
		return s.GetCommandByRequestID(ctx, cmd.AgentID, cmd.RequestID)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueuing command: %w", err)
	}
	return out, nil
}

// PollCommands returns up to limit pending commands for an agent, ordered by
// priority desc, created_at asc, and atomically transitions them to
// in_flight (spec §4.6).
func (s *Store) PollCommands(ctx context.Context, agentID uuid.UUID, limit int) ([]*model.Command, error) {
	rows, err := s.dbtx.Query(ctx, `
		UPDATE commands SET status = $3
		WHERE id IN (
			SELECT id FROM commands
			WHERE agent_id = $1 AND status = $2
			ORDER BY priority DESC, created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+commandColumns,
		agentID, model.CommandPending, model.CommandInFlight, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("polling commands: %w", err)
	}
	defer rows.Close()
	var out []*model.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning polled command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReportCommand transitions a command to completed/failed. Idempotent: a
// retried report with the same outcome is a no-op on an already-terminal row.
func (s *Store) ReportCommand(ctx context.Context, commandID uuid.UUID, success bool, message *string) (*model.Command, error) {
	status := model.CommandCompleted
	if !success {
		status = model.CommandFailed
	}
	row := s.dbtx.QueryRow(ctx, `
		UPDATE commands SET status = $2, executed_at = now(), success = $3, message = $4
		WHERE id = $1 AND status IN ($5, $6)
		RETURNING `+commandColumns,
		commandID, status, success, message, model.CommandPending, model.CommandInFlight,
	)
	c, err := scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already terminal; return the existing row for idempotent retry.
		row = s.dbtx.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, commandID)
		c, err = scanCommand(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("command %s not found", commandID)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("reporting command: %w", err)
	}
	return c, nil
}

// ExpireCommandsPastDeadline marks pending commands past their deadline as
// expired (spec §4.2 "Command expiry" job) and returns how many were expired.
func (s *Store) ExpireCommandsPastDeadline(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.dbtx.Exec(ctx, `UPDATE commands SET status = $1 WHERE status = $2 AND deadline < $3`,
		model.CommandExpired, model.CommandPending, now)
	if err != nil {
		return 0, fmt.Errorf("expiring commands: %w", err)
	}
	return tag.RowsAffected(), nil
}
