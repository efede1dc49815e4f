// Package emergency implements the Emergency Orchestrator (spec.md §4.8):
// reacting to cloud-provider rebalance and termination notices by picking a
// fastest-boot pool and pushing emergency-priority replica/promotion
// commands, bypassing the normal auto-switch/scorer/safety guardrails since
// this is single-replica creation, not fleet allocation.
package emergency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/apperr"
	"github.com/wisbric/fleetswitch/internal/dispatch"
	"github.com/wisbric/fleetswitch/internal/eventbus"
	"github.com/wisbric/fleetswitch/internal/model"
)

const (
	minHistoricalSamples = 3

	rebalanceHorizon           = 120 * time.Second
	rebalanceReplicaDeadline   = 120 * time.Second
	terminationPromoteDeadline = 30 * time.Second
	terminationReplicaDeadline = 60 * time.Second
)

// agentStore is the subset of internal/store.Store the orchestrator needs
// for agent notice bookkeeping.
type agentStore interface {
	SetNoticeStatus(ctx context.Context, agentID uuid.UUID, status model.NoticeStatus, deadline *time.Time) error
}

// instanceStore is the subset needed to find a ready replica to promote and
// to record the replica row this orchestrator creates ahead of the cloud VM
// itself existing.
type instanceStore interface {
	ListReadyReplica(ctx context.Context, agentID uuid.UUID) (*model.Instance, error)
	GetInstance(ctx context.Context, id string) (*model.Instance, error)
	InsertInstance(ctx context.Context, inst *model.Instance) (*model.Instance, error)
}

// poolStore is the subset needed to rank candidate pools by boot speed and
// look up a chosen pool's region/instance type for the replica row.
type poolStore interface {
	ListPoolsInRegionType(ctx context.Context, region, instanceType string) ([]*model.Pool, error)
	HistoricalMeanBootTime(ctx context.Context, poolID string, minSamples int) (float64, bool, error)
	GetPool(ctx context.Context, id string) (*model.Pool, error)
}

// Orchestrator reacts to emergency notices. Its entry points are meant to be
// called directly from the agent-facing HTTP handlers that receive the
// provider notices (spec.md §4.9 rebalance_recommendation/termination_imminent).
type Orchestrator struct {
	agents    agentStore
	instances instanceStore
	pools     poolStore
	dispatch  *dispatch.Dispatcher
	events    *eventbus.Bus
	logger    *slog.Logger
	now       func() time.Time
}

func NewOrchestrator(agents agentStore, instances instanceStore, pools poolStore, d *dispatch.Dispatcher, events *eventbus.Bus, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{agents: agents, instances: instances, pools: pools, dispatch: d, events: events, logger: logger, now: time.Now}
}

// OnRebalanceRecommendation handles the best-case path: a ≥2-minute horizon
// before the instance is reclaimed. It picks the fastest-boot pool and
// enqueues a replica-create command at priority 90.
func (o *Orchestrator) OnRebalanceRecommendation(ctx context.Context, agent *model.Agent, instance *model.Instance, noticeTime time.Time) error {
	deadline := noticeTime.Add(rebalanceHorizon)
	if err := o.agents.SetNoticeStatus(ctx, agent.ID, model.NoticeRebalance, &deadline); err != nil {
		return fmt.Errorf("setting rebalance notice status: %w", err)
	}

	poolID, found, err := o.fastestBootPool(ctx, instance.Region, instance.InstanceType, instance.PoolID)
	if err != nil {
		return fmt.Errorf("selecting fastest boot pool: %w", err)
	}
	if !found {
		o.publish("emergency.rebalance.no_pool", agent.TenantID, map[string]any{"agent_id": agent.ID})
		return fmt.Errorf("no candidate pool available for rebalance of agent %s, deferring to scheduler retry", agent.ID)
	}

	targetMode := model.ModeSpot
	replicaID, err := o.ensureEmergencyReplicaInstance(ctx, agent, poolID, targetMode, noticeTime)
	if err != nil {
		return fmt.Errorf("creating rebalance replica instance row: %w", err)
	}

	_, err = o.dispatch.Enqueue(ctx, agent, dispatch.EnqueueParams{
		InstanceID:   &replicaID,
		CommandType:  model.CommandCreateReplica,
		TargetMode:   &targetMode,
		TargetPoolID: &poolID,
		Priority:     model.PriorityEmergencyReplica,
		RequestID:    fmt.Sprintf("rebalance-replica-%s-%d", agent.ID, noticeTime.Unix()),
		Deadline:     o.now().Add(rebalanceReplicaDeadline),
	})
	if err != nil {
		return fmt.Errorf("enqueuing rebalance replica command: %w", err)
	}

	o.publish("emergency.rebalance.replica_requested", agent.TenantID, map[string]any{"agent_id": agent.ID, "pool_id": poolID, "instance_id": replicaID})
	return nil
}

// OnTerminationNotice handles the worst case: ≤2 minutes before reclaim. It
// promotes an existing ready replica immediately if one exists, otherwise
// creates an emergency replica, falling back to the agent's current pool
// when no boot-time history exists (spec.md §8 scenario S6).
func (o *Orchestrator) OnTerminationNotice(ctx context.Context, agent *model.Agent, instance *model.Instance, terminationTime time.Time) error {
	if err := o.agents.SetNoticeStatus(ctx, agent.ID, model.NoticeTermination, nil); err != nil {
		return fmt.Errorf("setting termination notice status: %w", err)
	}

	ready, err := o.instances.ListReadyReplica(ctx, agent.ID)
	if err != nil {
		return fmt.Errorf("checking for ready replica: %w", err)
	}
	if ready != nil {
		return o.promoteReplica(ctx, agent, ready, terminationTime)
	}
	return o.createEmergencyReplica(ctx, agent, instance, terminationTime)
}

func (o *Orchestrator) promoteReplica(ctx context.Context, agent *model.Agent, replica *model.Instance, noticeTime time.Time) error {
	_, err := o.dispatch.Enqueue(ctx, agent, dispatch.EnqueueParams{
		InstanceID:   &replica.ID,
		CommandType:  model.CommandPromoteReplica,
		Priority:     model.PriorityEmergencyPromotion,
		RequestID:    fmt.Sprintf("termination-promote-%s-%d", agent.ID, noticeTime.Unix()),
		Deadline:     o.now().Add(terminationPromoteDeadline),
	})
	if err != nil {
		return fmt.Errorf("enqueuing emergency promotion: %w", err)
	}
	o.publish("emergency.termination.promoted", agent.TenantID, map[string]any{"agent_id": agent.ID, "instance_id": replica.ID})
	return nil
}

func (o *Orchestrator) createEmergencyReplica(ctx context.Context, agent *model.Agent, instance *model.Instance, noticeTime time.Time) error {
	poolID, found, err := o.fastestBootPool(ctx, instance.Region, instance.InstanceType, instance.PoolID)
	if err != nil {
		return fmt.Errorf("selecting fastest boot pool: %w", err)
	}
	if !found {
		// Termination path falls back to the agent's current pool to
		// preserve at least the attempt (spec.md §4.8).
		poolID = instance.PoolID
		o.publish("emergency.termination.fallback_pool", agent.TenantID, map[string]any{"agent_id": agent.ID, "pool_id": poolID})
	}

	targetMode := model.ModeSpot
	replicaID, err := o.ensureEmergencyReplicaInstance(ctx, agent, poolID, targetMode, noticeTime)
	if err != nil {
		return fmt.Errorf("creating emergency replica instance row: %w", err)
	}

	_, err = o.dispatch.Enqueue(ctx, agent, dispatch.EnqueueParams{
		InstanceID:   &replicaID,
		CommandType:  model.CommandCreateReplica,
		TargetMode:   &targetMode,
		TargetPoolID: &poolID,
		Priority:     model.PriorityEmergencyPromotion,
		RequestID:    fmt.Sprintf("termination-replica-%s-%d", agent.ID, noticeTime.Unix()),
		Deadline:     o.now().Add(terminationReplicaDeadline),
	})
	if err != nil {
		return fmt.Errorf("enqueuing emergency replica command: %w", err)
	}
	o.publish("emergency.termination.replica_requested", agent.TenantID, map[string]any{"agent_id": agent.ID, "pool_id": poolID, "instance_id": replicaID})
	return nil
}

// ensureEmergencyReplicaInstance inserts the launching-status instance row a
// replica-create command targets, before the cloud VM behind it exists
// (mirroring the Python original's create_emergency_replica, which assigns a
// placeholder instance id up front rather than waiting for the agent to
// register one). The id is deterministic per (agent, notice time) so a
// retried notice finds the row it already created instead of inserting a
// second one.
func (o *Orchestrator) ensureEmergencyReplicaInstance(ctx context.Context, agent *model.Agent, poolID string, mode model.AgentMode, noticeTime time.Time) (string, error) {
	id := fmt.Sprintf("emergency-%s-%d", agent.ID.String()[:8], noticeTime.Unix())

	if existing, err := o.instances.GetInstance(ctx, id); err == nil {
		return existing.ID, nil
	} else if !apperr.Is(err, apperr.KindNotFound) {
		return "", fmt.Errorf("checking for existing replica instance: %w", err)
	}

	pool, err := o.pools.GetPool(ctx, poolID)
	if err != nil {
		return "", fmt.Errorf("loading pool %s: %w", poolID, err)
	}

	if _, err := o.instances.InsertInstance(ctx, &model.Instance{
		ID:           id,
		AgentID:      agent.ID,
		InstanceType: pool.InstanceType,
		Region:       pool.Region,
		AZ:           pool.AZ,
		PoolID:       pool.ID,
		Mode:         mode,
		Status:       model.InstanceLaunching,
		IsPrimary:    false,
		IsActive:     false,
	}); err != nil {
		return "", fmt.Errorf("inserting replica instance: %w", err)
	}
	return id, nil
}

// fastestBootPool ranks candidate pools in region/instanceType, excluding
// currentPoolID (the pool about to be reclaimed is never its own
// replacement), by: (1) historical mean boot time over ≥3 promoted
// replicas, (2) cached avg_boot_time_seconds on the pool row. It reports
// found=false if neither signal exists for any candidate, leaving the
// current-pool fallback to the caller (spec.md §4.8).
func (o *Orchestrator) fastestBootPool(ctx context.Context, region, instanceType, currentPoolID string) (string, bool, error) {
	candidates, err := o.pools.ListPoolsInRegionType(ctx, region, instanceType)
	if err != nil {
		return "", false, fmt.Errorf("listing candidate pools: %w", err)
	}

	var bestHistorical string
	bestHistoricalMean := 0.0
	var bestCached string
	bestCachedMean := 0.0

	for _, p := range candidates {
		if p.ID == currentPoolID {
			continue
		}
		mean, ok, err := o.pools.HistoricalMeanBootTime(ctx, p.ID, minHistoricalSamples)
		if err != nil {
			return "", false, fmt.Errorf("computing historical mean boot time for pool %s: %w", p.ID, err)
		}
		if ok && (bestHistorical == "" || mean < bestHistoricalMean) {
			bestHistorical, bestHistoricalMean = p.ID, mean
		}
		if p.AvgBootTimeSeconds != nil && (bestCached == "" || *p.AvgBootTimeSeconds < bestCachedMean) {
			bestCached, bestCachedMean = p.ID, *p.AvgBootTimeSeconds
		}
	}

	if bestHistorical != "" {
		return bestHistorical, true, nil
	}
	if bestCached != "" {
		return bestCached, true, nil
	}
	return "", false, nil
}

func (o *Orchestrator) publish(topic string, tenantID uuid.UUID, payload any) {
	o.events.Publish(eventbus.Event{Topic: topic, TenantID: tenantID, Payload: payload})
}
