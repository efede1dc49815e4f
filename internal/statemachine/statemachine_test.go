package statemachine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/model"
)

type fakeStore struct {
	updates []update
	failOn  string // instance ID to fail the next UpdateStatusIf call for
}

type update struct {
	instanceID      string
	expectedVersion int64
	status          model.InstanceStatus
	isPrimary       bool
	isActive        bool
}

func (f *fakeStore) UpdateStatusIf(ctx context.Context, instanceID string, expectedVersion int64, newStatus model.InstanceStatus, isPrimary, isActive bool) error {
	if instanceID == f.failOn {
		return errors.New("boom")
	}
	f.updates = append(f.updates, update{instanceID, expectedVersion, newStatus, isPrimary, isActive})
	return nil
}

type cutoverFakeStore struct {
	fakeStore
	lastSwitchRecord *model.SwitchRecord
}

func (f *cutoverFakeStore) UpdateAgentInstancePointer(ctx context.Context, agentID uuid.UUID, instanceID *string, mode model.AgentMode, poolID *string) error {
	return nil
}

func (f *cutoverFakeStore) RecordSwitch(ctx context.Context, agentID uuid.UUID) error { return nil }

func (f *cutoverFakeStore) InsertSwitchRecord(ctx context.Context, r *model.SwitchRecord) error {
	f.lastSwitchRecord = r
	return nil
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to model.InstanceStatus
		want     bool
	}{
		{model.InstanceLaunching, model.InstanceRunningPrimary, true},
		{model.InstanceLaunching, model.InstanceRunningReplica, true},
		{model.InstanceLaunching, model.InstanceZombie, false},
		{model.InstanceRunningReplica, model.InstancePromoting, true},
		{model.InstanceRunningReplica, model.InstanceRunningPrimary, true},
		{model.InstancePromoting, model.InstanceRunningPrimary, true},
		{model.InstanceRunningPrimary, model.InstanceZombie, true},
		{model.InstanceZombie, model.InstanceTerminating, true},
		{model.InstanceTerminating, model.InstanceTerminated, true},
		{model.InstanceTerminated, model.InstanceRunningPrimary, false},
		{model.InstanceRunningPrimary, model.InstanceRunningReplica, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	s := &fakeStore{}
	inst := &model.Instance{ID: "i-1", Status: model.InstanceZombie, Version: 1}
	if err := Transition(context.Background(), s, inst, model.InstanceRunningPrimary, true, true); err == nil {
		t.Fatal("expected error for illegal transition, got nil")
	}
	if len(s.updates) != 0 {
		t.Fatalf("expected no store writes for an illegal transition, got %d", len(s.updates))
	}
}

func TestHeartbeatAllowsInstancePointer(t *testing.T) {
	cases := []struct {
		name string
		inst *model.Instance
		want bool
	}{
		{"zombie rejected", &model.Instance{Status: model.InstanceZombie, IsPrimary: false}, false},
		{"terminated rejected", &model.Instance{Status: model.InstanceTerminated, IsPrimary: true}, false},
		{"replica rejected", &model.Instance{Status: model.InstanceRunningReplica, IsPrimary: false}, false},
		{"primary allowed", &model.Instance{Status: model.InstanceRunningPrimary, IsPrimary: true}, true},
	}
	for _, c := range cases {
		if got := HeartbeatAllowsInstancePointer(c.inst); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestCutoverAllFourStepsOrNone(t *testing.T) {
	agentID := uuid.New()
	s := &cutoverFakeStore{}
	p := CutoverParams{
		Agent:      &model.Agent{ID: agentID},
		OldPrimary: &model.Instance{ID: "i-old", Status: model.InstanceRunningPrimary, Version: 3, PoolID: "m5.large.us-east-1a", Mode: model.ModeSpot},
		NewReplica: &model.Instance{ID: "i-new", Status: model.InstanceRunningReplica, Version: 1, PoolID: "m5.large.us-east-1b", Mode: model.ModeSpot},
		OldPrice:   0.096,
		NewPrice:   0.040,
		Trigger:    model.TriggerAutomatic,
	}

	if err := Cutover(context.Background(), s, p); err != nil {
		t.Fatalf("Cutover: %v", err)
	}
	if len(s.updates) != 2 {
		t.Fatalf("expected 2 instance status writes, got %d", len(s.updates))
	}
	if s.updates[0].instanceID != "i-new" || s.updates[0].status != model.InstanceRunningPrimary || !s.updates[0].isPrimary {
		t.Errorf("expected new replica promoted first, got %+v", s.updates[0])
	}
	if s.updates[1].instanceID != "i-old" || s.updates[1].status != model.InstanceZombie || s.updates[1].isPrimary || s.updates[1].isActive {
		t.Errorf("expected old primary demoted second, got %+v", s.updates[1])
	}
	if s.lastSwitchRecord == nil {
		t.Fatal("expected a switch record to be inserted")
	}
	if got, want := s.lastSwitchRecord.SavingsImpactPerHour, p.OldPrice-p.NewPrice; got != want {
		t.Errorf("SavingsImpactPerHour = %v, want %v", got, want)
	}
}

func TestCutoverAbortsOnIllegalEdge(t *testing.T) {
	s := &cutoverFakeStore{}
	p := CutoverParams{
		Agent:      &model.Agent{ID: uuid.New()},
		OldPrimary: &model.Instance{ID: "i-old", Status: model.InstanceZombie, Version: 3},
		NewReplica: &model.Instance{ID: "i-new", Status: model.InstanceRunningReplica, Version: 1},
	}
	if err := Cutover(context.Background(), s, p); err == nil {
		t.Fatal("expected error, old primary is already a zombie")
	}
	if len(s.updates) != 0 {
		t.Fatalf("expected no writes when the batch is rejected upfront, got %d", len(s.updates))
	}
}
