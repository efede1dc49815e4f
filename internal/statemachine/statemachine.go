// Package statemachine is the sole authority for instance and agent status
// transitions (spec.md §4.7), validating every hop against an explicit
// adjacency map before delegating to Store.UpdateStatusIf's optimistic-locked
// write, mirroring the teacher's pattern of one package owning a status
// column's writes (pkg/incident's transition guard).
package statemachine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/apperr"
	"github.com/wisbric/fleetswitch/internal/model"
)

// transitions is the only graph of valid instance status edges. Any move not
// listed here is a programming error, not a runtime condition to recover
// from.
var transitions = map[model.InstanceStatus][]model.InstanceStatus{
	model.InstanceLaunching:      {model.InstanceRunningPrimary, model.InstanceRunningReplica},
	model.InstanceRunningReplica: {model.InstancePromoting, model.InstanceRunningPrimary},
	model.InstancePromoting:      {model.InstanceRunningPrimary},
	model.InstanceRunningPrimary: {model.InstanceZombie},
	model.InstanceZombie:         {model.InstanceTerminating},
	model.InstanceTerminating:    {model.InstanceTerminated},
	model.InstanceTerminated:     nil,
}

// CanTransition reports whether to is a permitted edge out of from.
func CanTransition(from, to model.InstanceStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// instanceStore is the subset of internal/store.Store the state machine
// needs; a narrow interface keeps this package testable without a database.
type instanceStore interface {
	UpdateStatusIf(ctx context.Context, instanceID string, expectedVersion int64, newStatus model.InstanceStatus, isPrimary, isActive bool) error
}

// Transition validates from→to against the adjacency map and, if permitted,
// performs the version-checked write. Every instance status change in this
// system is written by this package — no other package writes instances.status.
func Transition(ctx context.Context, s instanceStore, inst *model.Instance, to model.InstanceStatus, isPrimary, isActive bool) error {
	if !CanTransition(inst.Status, to) {
		return fmt.Errorf("statemachine: illegal transition %s -> %s for instance %s", inst.Status, to, inst.ID)
	}
	return s.UpdateStatusIf(ctx, inst.ID, inst.Version, to, isPrimary, isActive)
}

// HeartbeatAllowsInstancePointer implements spec.md §4.7's rejected-heartbeat
// rule: a heartbeat claiming an instance that is zombie, terminated, or not
// primary must never update the agent's instance_id, preventing a reaped
// node from resurrecting itself.
func HeartbeatAllowsInstancePointer(inst *model.Instance) bool {
	if inst.Status == model.InstanceZombie || inst.Status == model.InstanceTerminated {
		return false
	}
	return inst.IsPrimary
}

// CutoverStore is the subset of internal/store.Store the cutover batch needs,
// satisfied by the *Store passed into Store.Transact's callback.
type CutoverStore interface {
	instanceStore
	UpdateAgentInstancePointer(ctx context.Context, agentID uuid.UUID, instanceID *string, mode model.AgentMode, poolID *string) error
	RecordSwitch(ctx context.Context, agentID uuid.UUID) error
	InsertSwitchRecord(ctx context.Context, r *model.SwitchRecord) error
}

// CutoverParams bundles everything the batch needs beyond the two instance
// rows and their owning agent.
type CutoverParams struct {
	Agent      *model.Agent
	OldPrimary *model.Instance
	NewReplica *model.Instance
	OldPrice   float64
	NewPrice   float64
	Trigger    model.SwitchTrigger
}

// Cutover performs the four-step transactional batch from spec.md §4.7: all
// four writes succeed or none do. Callers must invoke this inside
// Store.Transact so s is bound to that transaction.
func Cutover(ctx context.Context, s CutoverStore, p CutoverParams) error {
	if !CanTransition(p.NewReplica.Status, model.InstanceRunningPrimary) {
		return fmt.Errorf("statemachine: replica %s cannot be promoted from %s", p.NewReplica.ID, p.NewReplica.Status)
	}
	if !CanTransition(p.OldPrimary.Status, model.InstanceZombie) {
		return fmt.Errorf("statemachine: primary %s cannot be demoted from %s", p.OldPrimary.ID, p.OldPrimary.Status)
	}

	// 1. New replica -> running_primary, is_primary = true.
	if err := s.UpdateStatusIf(ctx, p.NewReplica.ID, p.NewReplica.Version, model.InstanceRunningPrimary, true, true); err != nil {
		return fmt.Errorf("promoting new primary: %w", err)
	}

	// 2. Old primary -> zombie, is_primary = false, is_active = false.
	if err := s.UpdateStatusIf(ctx, p.OldPrimary.ID, p.OldPrimary.Version, model.InstanceZombie, false, false); err != nil {
		return fmt.Errorf("demoting old primary: %w", err)
	}

	// 3. Agent -> instance_id = new, current_mode/current_pool_id of new,
	// last_switch_at = now.
	newID := p.NewReplica.ID
	if err := s.UpdateAgentInstancePointer(ctx, p.Agent.ID, &newID, p.NewReplica.Mode, &p.NewReplica.PoolID); err != nil {
		return fmt.Errorf("updating agent instance pointer: %w", err)
	}
	if err := s.RecordSwitch(ctx, p.Agent.ID); err != nil {
		return fmt.Errorf("recording switch timestamp: %w", err)
	}

	// 4. Insert switch record with savings_impact = old_price - new_price.
	record := &model.SwitchRecord{
		AgentID:              p.Agent.ID,
		FromInstanceID:       p.OldPrimary.ID,
		ToInstanceID:         p.NewReplica.ID,
		FromPoolID:           p.OldPrimary.PoolID,
		ToPoolID:             p.NewReplica.PoolID,
		FromMode:             p.OldPrimary.Mode,
		ToMode:               p.NewReplica.Mode,
		OldPrice:             p.OldPrice,
		NewPrice:             p.NewPrice,
		SavingsImpactPerHour: p.OldPrice - p.NewPrice,
		Trigger:              p.Trigger,
	}
	if err := s.InsertSwitchRecord(ctx, record); err != nil {
		return fmt.Errorf("inserting switch record: %w", err)
	}
	return nil
}

// PromoteReplica promotes a single instance to running_primary, passing a
// running_replica through promoting first. It is called when a
// promote_replica command (enqueued by the emergency orchestrator's
// "existing replica is ready" path, spec.md §4.8) reports success, without a
// paired demotion: the old primary in that scenario is already gone
// (terminated by the cloud provider).
func PromoteReplica(ctx context.Context, s instanceStore, inst *model.Instance) error {
	if !CanTransition(inst.Status, model.InstanceRunningPrimary) {
		return fmt.Errorf("statemachine: instance %s cannot be promoted from %s", inst.ID, inst.Status)
	}
	if inst.Status == model.InstanceRunningReplica {
		if err := s.UpdateStatusIf(ctx, inst.ID, inst.Version, model.InstancePromoting, false, true); err != nil {
			return fmt.Errorf("marking replica promoting: %w", err)
		}
		inst.Version++
	}
	if err := s.UpdateStatusIf(ctx, inst.ID, inst.Version, model.InstanceRunningPrimary, true, true); err != nil {
		return fmt.Errorf("promoting replica to primary: %w", err)
	}
	return nil
}

// MarkTerminating advances a reaped zombie into the terminating state ahead
// of the dispatcher handing the agent a terminate command.
func MarkTerminating(ctx context.Context, s instanceStore, inst *model.Instance) error {
	if err := Transition(ctx, s, inst, model.InstanceTerminating, false, false); err != nil {
		return apperr.Wrap(apperr.KindInternal, false, err, "marking instance %s terminating", inst.ID)
	}
	return nil
}

// MarkTerminated completes the lifecycle once the agent confirms the VM is gone.
func MarkTerminated(ctx context.Context, s instanceStore, inst *model.Instance) error {
	if err := Transition(ctx, s, inst, model.InstanceTerminated, false, false); err != nil {
		return apperr.Wrap(apperr.KindInternal, false, err, "marking instance %s terminated", inst.ID)
	}
	return nil
}
