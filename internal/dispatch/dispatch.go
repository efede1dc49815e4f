// Package dispatch implements the Command Dispatcher (spec.md §4.6):
// materializing decisions into commands, enforcing per-(agent_id,request_id)
// idempotency, serving the agent polling endpoint, and recording execution
// results.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/fleetswitch/internal/apperr"
	"github.com/wisbric/fleetswitch/internal/model"
)

const (
	defaultDeadlineDuration   = 10 * time.Minute
	emergencyDeadlineDuration = 2 * time.Minute

	// idempotencyTTL bounds how long a just-enqueued command stays in the
	// Redis fast-path cache; long enough to absorb a retry storm, short
	// enough that a stale entry never outlives the command it shadows.
	idempotencyTTL = 15 * time.Minute
	redisKeyPrefix = "dispatch:idemp:"
)

// commandStore is the subset of internal/store.Store the dispatcher needs.
type commandStore interface {
	GetCommandByRequestID(ctx context.Context, agentID uuid.UUID, requestID string) (*model.Command, error)
	EnqueueCommand(ctx context.Context, cmd *model.Command) (*model.Command, error)
	PollCommands(ctx context.Context, agentID uuid.UUID, limit int) ([]*model.Command, error)
	ReportCommand(ctx context.Context, commandID uuid.UUID, success bool, message *string) (*model.Command, error)
	ListZombiesPastWait(ctx context.Context, now time.Time) ([]*model.Instance, error)
	ListUnconfirmedTerminated(ctx context.Context, now time.Time) ([]*model.Instance, error)
}

// Dispatcher implements enqueue/poll/report/instances-to-terminate with
// (agent_id, request_id) idempotency, enforced by the store's unique index
// and fronted by an optional Redis fast-path cache read through the same
// cache-aside shape as the teacher's alert.Deduplicator.Check.
type Dispatcher struct {
	store  commandStore
	rdb    *redis.Client // optional; nil disables the fast path
	logger *slog.Logger
	now    func() time.Time
}

func NewDispatcher(store commandStore, rdb *redis.Client, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: store, rdb: rdb, logger: logger, now: time.Now}
}

// EnqueueParams describes a command to materialize. RequestID is the
// idempotency key; Deadline is optional and, left zero, defaults per
// Priority (spec.md §4.6: 10 minutes routine, 2 minutes emergency).
type EnqueueParams struct {
	InstanceID           *string
	CommandType          model.CommandType
	TargetMode           *model.AgentMode
	TargetPoolID         *string
	Priority             uint8
	TerminateWaitSeconds int
	RequestID            string
	Deadline             time.Time
}

// Enqueue inserts one command for agent, or returns the existing row if
// request_id was already seen for this agent (idempotency). Commands whose
// target already matches the agent's current state are rejected rather than
// queued, since the agent would have nothing to act on.
func (d *Dispatcher) Enqueue(ctx context.Context, agent *model.Agent, p EnqueueParams) (*model.Command, error) {
	if p.RequestID == "" {
		return nil, apperr.Validation("request_id is required")
	}

	existing, err := d.checkExisting(ctx, agent.ID, p.RequestID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if isRedundant(agent, p) {
		return nil, apperr.Validation("command target already matches agent %s current state", agent.ID)
	}

	deadline := p.Deadline
	if deadline.IsZero() {
		deadline = d.now().Add(defaultDeadline(p.Priority))
	}

	cmd := &model.Command{
		AgentID:              agent.ID,
		InstanceID:           p.InstanceID,
		CommandType:          p.CommandType,
		TargetMode:           p.TargetMode,
		TargetPoolID:         p.TargetPoolID,
		Priority:             p.Priority,
		TerminateWaitSeconds: p.TerminateWaitSeconds,
		RequestID:            p.RequestID,
		Deadline:             deadline,
	}
	out, err := d.store.EnqueueCommand(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("enqueuing command: %w", err)
	}
	d.cacheSet(ctx, out)
	return out, nil
}

// Poll returns up to limit pending commands for agentID, ordered by
// priority desc, created_at asc, atomically transitioning them to in_flight.
func (d *Dispatcher) Poll(ctx context.Context, agentID uuid.UUID, limit int) ([]*model.Command, error) {
	cmds, err := d.store.PollCommands(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("polling commands: %w", err)
	}
	return cmds, nil
}

// Report transitions a command to completed or failed. Idempotent: a retried
// report against an already-terminal command returns the existing row.
func (d *Dispatcher) Report(ctx context.Context, commandID uuid.UUID, success bool, message *string) (*model.Command, error) {
	cmd, err := d.store.ReportCommand(ctx, commandID, success, message)
	if err != nil {
		return nil, fmt.Errorf("reporting command: %w", err)
	}
	return cmd, nil
}

// InstancesToTerminate returns agentID's zombie instances past their wait
// period plus replicas reported terminated but unconfirmed, honoring the
// store's 5-minute termination-attempt cooldown (spec.md §4.6).
func (d *Dispatcher) InstancesToTerminate(ctx context.Context, agentID uuid.UUID) ([]*model.Instance, error) {
	now := d.now()

	zombies, err := d.store.ListZombiesPastWait(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("listing zombies past wait: %w", err)
	}
	unconfirmed, err := d.store.ListUnconfirmedTerminated(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("listing unconfirmed terminations: %w", err)
	}

	var out []*model.Instance
	for _, i := range zombies {
		if i.AgentID == agentID {
			out = append(out, i)
		}
	}
	for _, i := range unconfirmed {
		if i.AgentID == agentID {
			out = append(out, i)
		}
	}
	return out, nil
}

// isRedundant reports whether p's target already matches agent's observed
// state, so enqueuing it would ask the agent to do nothing.
func isRedundant(agent *model.Agent, p EnqueueParams) bool {
	switch p.CommandType {
	case model.CommandSwitch:
		if p.TargetMode == nil || p.TargetPoolID == nil {
			return false
		}
		return agent.Mode == *p.TargetMode && agent.CurrentPoolID != nil && *agent.CurrentPoolID == *p.TargetPoolID
	default:
		return false
	}
}

func defaultDeadline(priority uint8) time.Duration {
	if priority >= model.PriorityEmergencyReplica {
		return emergencyDeadlineDuration
	}
	return defaultDeadlineDuration
}

func redisKey(agentID uuid.UUID, requestID string) string {
	return redisKeyPrefix + agentID.String() + ":" + requestID
}

// checkExisting looks up (agentID, requestID) in the Redis fast path,
// falling back to the store on a miss or cache error, and warms the cache
// on a store hit (same cache-aside shape as the teacher's
// alert.Deduplicator.Check).
func (d *Dispatcher) checkExisting(ctx context.Context, agentID uuid.UUID, requestID string) (*model.Command, error) {
	if d.rdb != nil {
		key := redisKey(agentID, requestID)
		val, err := d.rdb.Get(ctx, key).Result()
		if err == nil {
			var cmd model.Command
			if jsonErr := json.Unmarshal([]byte(val), &cmd); jsonErr == nil {
				return &cmd, nil
			}
			d.logger.Warn("invalid command in idempotency cache", "key", key)
		} else if !errors.Is(err, redis.Nil) {
			d.logger.Warn("redis idempotency lookup failed, falling back to store", "error", err)
		}
	}

	cmd, err := d.store.GetCommandByRequestID(ctx, agentID, requestID)
	if err != nil {
		return nil, fmt.Errorf("looking up command by request id: %w", err)
	}
	if cmd != nil {
		d.cacheSet(ctx, cmd)
	}
	return cmd, nil
}

func (d *Dispatcher) cacheSet(ctx context.Context, cmd *model.Command) {
	if d.rdb == nil || cmd == nil {
		return
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		d.logger.Warn("failed to marshal command for idempotency cache", "error", err)
		return
	}
	key := redisKey(cmd.AgentID, cmd.RequestID)
	if err := d.rdb.Set(ctx, key, payload, idempotencyTTL).Err(); err != nil {
		d.logger.Warn("failed to set idempotency cache", "error", err, "key", key)
	}
}
