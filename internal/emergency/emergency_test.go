package emergency

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/apperr"
	"github.com/wisbric/fleetswitch/internal/dispatch"
	"github.com/wisbric/fleetswitch/internal/eventbus"
	"github.com/wisbric/fleetswitch/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAgentStore struct {
	lastStatus   model.NoticeStatus
	lastDeadline *time.Time
}

func (f *fakeAgentStore) SetNoticeStatus(ctx context.Context, agentID uuid.UUID, status model.NoticeStatus, deadline *time.Time) error {
	f.lastStatus = status
	f.lastDeadline = deadline
	return nil
}

type fakeInstanceStore struct {
	ready    *model.Instance
	byID     map[string]*model.Instance
	inserted []*model.Instance
}

func (f *fakeInstanceStore) ListReadyReplica(ctx context.Context, agentID uuid.UUID) (*model.Instance, error) {
	return f.ready, nil
}

func (f *fakeInstanceStore) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	if inst, ok := f.byID[id]; ok {
		return inst, nil
	}
	return nil, apperr.NotFound("instance %s not found", id)
}

func (f *fakeInstanceStore) InsertInstance(ctx context.Context, inst *model.Instance) (*model.Instance, error) {
	if f.byID == nil {
		f.byID = map[string]*model.Instance{}
	}
	f.byID[inst.ID] = inst
	f.inserted = append(f.inserted, inst)
	return inst, nil
}

type fakePoolStore struct {
	pools      []*model.Pool
	historical map[string]float64 // poolID -> mean, present means >= minSamples
}

func (f *fakePoolStore) ListPoolsInRegionType(ctx context.Context, region, instanceType string) ([]*model.Pool, error) {
	return f.pools, nil
}

func (f *fakePoolStore) HistoricalMeanBootTime(ctx context.Context, poolID string, minSamples int) (float64, bool, error) {
	mean, ok := f.historical[poolID]
	return mean, ok, nil
}

func (f *fakePoolStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	for _, p := range f.pools {
		if p.ID == id {
			return p, nil
		}
	}
	return &model.Pool{ID: id}, nil
}

type fakeCommandStore struct {
	byRequestID map[string]*model.Command
	inserted    []*model.Command
}

func newFakeCommandStore() *fakeCommandStore {
	return &fakeCommandStore{byRequestID: map[string]*model.Command{}}
}

func (f *fakeCommandStore) GetCommandByRequestID(ctx context.Context, agentID uuid.UUID, requestID string) (*model.Command, error) {
	return f.byRequestID[agentID.String()+":"+requestID], nil
}

func (f *fakeCommandStore) EnqueueCommand(ctx context.Context, cmd *model.Command) (*model.Command, error) {
	out := *cmd
	out.ID = uuid.New()
	out.Status = model.CommandPending
	f.byRequestID[out.AgentID.String()+":"+out.RequestID] = &out
	f.inserted = append(f.inserted, &out)
	return &out, nil
}

func (f *fakeCommandStore) PollCommands(ctx context.Context, agentID uuid.UUID, limit int) ([]*model.Command, error) {
	return nil, nil
}

func (f *fakeCommandStore) ReportCommand(ctx context.Context, commandID uuid.UUID, success bool, message *string) (*model.Command, error) {
	return nil, nil
}

func (f *fakeCommandStore) ListZombiesPastWait(ctx context.Context, now time.Time) ([]*model.Instance, error) {
	return nil, nil
}

func (f *fakeCommandStore) ListUnconfirmedTerminated(ctx context.Context, now time.Time) ([]*model.Instance, error) {
	return nil, nil
}

func newTestOrchestrator(agents *fakeAgentStore, instances *fakeInstanceStore, pools *fakePoolStore, cmds *fakeCommandStore) *Orchestrator {
	d := dispatch.NewDispatcher(cmds, nil, discardLogger())
	bus := eventbus.New(discardLogger())
	return NewOrchestrator(agents, instances, pools, d, bus, discardLogger())
}

func TestOnRebalanceRecommendationPicksHistoricalFastestPool(t *testing.T) {
	agent := &model.Agent{ID: uuid.New(), TenantID: uuid.New()}
	instance := &model.Instance{ID: "i-1", Region: "us-east-1", InstanceType: "m5.large", PoolID: "m5.large.us-east-1a"}
	pools := &fakePoolStore{
		pools: []*model.Pool{
			{ID: "m5.large.us-east-1a", Region: "us-east-1", InstanceType: "m5.large"},
			{ID: "m5.large.us-east-1b", Region: "us-east-1", InstanceType: "m5.large"},
			{ID: "m5.large.us-east-1c", Region: "us-east-1", InstanceType: "m5.large"},
		},
		historical: map[string]float64{"m5.large.us-east-1b": 45, "m5.large.us-east-1c": 90},
	}
	agents := &fakeAgentStore{}
	cmds := newFakeCommandStore()
	instances := &fakeInstanceStore{}
	o := newTestOrchestrator(agents, instances, pools, cmds)

	err := o.OnRebalanceRecommendation(context.Background(), agent, instance, time.Now())
	if err != nil {
		t.Fatalf("OnRebalanceRecommendation: %v", err)
	}
	if agents.lastStatus != model.NoticeRebalance {
		t.Errorf("notice status = %s, want rebalance", agents.lastStatus)
	}
	if len(cmds.inserted) != 1 {
		t.Fatalf("expected one command enqueued, got %d", len(cmds.inserted))
	}
	cmd := cmds.inserted[0]
	if cmd.CommandType != model.CommandCreateReplica || cmd.Priority != model.PriorityEmergencyReplica {
		t.Errorf("got %+v, want create_replica at priority 90", cmd)
	}
	if cmd.TargetPoolID == nil || *cmd.TargetPoolID != "m5.large.us-east-1b" {
		t.Errorf("target pool = %v, want fastest historical pool m5.large.us-east-1b", cmd.TargetPoolID)
	}
	if len(instances.inserted) != 1 {
		t.Fatalf("expected one replica instance row inserted, got %d", len(instances.inserted))
	}
	if cmd.InstanceID == nil || *cmd.InstanceID != instances.inserted[0].ID {
		t.Errorf("command instance id = %v, want inserted replica id %s", cmd.InstanceID, instances.inserted[0].ID)
	}
	if instances.inserted[0].Status != model.InstanceLaunching {
		t.Errorf("replica status = %s, want launching", instances.inserted[0].Status)
	}
}

func TestOnRebalanceRecommendationFailsWithNoCandidatePool(t *testing.T) {
	agent := &model.Agent{ID: uuid.New(), TenantID: uuid.New()}
	instance := &model.Instance{ID: "i-1", Region: "us-east-1", InstanceType: "m5.large", PoolID: "m5.large.us-east-1a"}
	pools := &fakePoolStore{pools: []*model.Pool{{ID: "m5.large.us-east-1a", Region: "us-east-1", InstanceType: "m5.large"}}}
	cmds := newFakeCommandStore()
	o := newTestOrchestrator(&fakeAgentStore{}, &fakeInstanceStore{}, pools, cmds)

	err := o.OnRebalanceRecommendation(context.Background(), agent, instance, time.Now())
	if err == nil {
		t.Fatal("expected rebalance to fail with no candidate pool")
	}
	if len(cmds.inserted) != 0 {
		t.Errorf("expected no command enqueued, got %d", len(cmds.inserted))
	}
}

func TestOnTerminationNoticePromotesReadyReplica(t *testing.T) {
	agent := &model.Agent{ID: uuid.New(), TenantID: uuid.New()}
	instance := &model.Instance{ID: "i-primary", Region: "us-east-1", InstanceType: "m5.large", PoolID: "m5.large.us-east-1a"}
	replica := &model.Instance{ID: "i-replica", Status: model.InstanceRunningReplica}
	cmds := newFakeCommandStore()
	o := newTestOrchestrator(&fakeAgentStore{}, &fakeInstanceStore{ready: replica}, &fakePoolStore{}, cmds)

	err := o.OnTerminationNotice(context.Background(), agent, instance, time.Now())
	if err != nil {
		t.Fatalf("OnTerminationNotice: %v", err)
	}
	if len(cmds.inserted) != 1 {
		t.Fatalf("expected one command enqueued, got %d", len(cmds.inserted))
	}
	cmd := cmds.inserted[0]
	if cmd.CommandType != model.CommandPromoteReplica || cmd.Priority != model.PriorityEmergencyPromotion {
		t.Errorf("got %+v, want promote_replica at priority 100", cmd)
	}
	if cmd.InstanceID == nil || *cmd.InstanceID != replica.ID {
		t.Errorf("instance id = %v, want %s", cmd.InstanceID, replica.ID)
	}
}

func TestOnTerminationNoticeFallsBackToCurrentPoolWithNoHistory(t *testing.T) {
	agent := &model.Agent{ID: uuid.New(), TenantID: uuid.New()}
	instance := &model.Instance{ID: "i-primary", Region: "us-east-1", InstanceType: "m5.large", PoolID: "m5.large.us-east-1a"}
	cmds := newFakeCommandStore()
	instances := &fakeInstanceStore{}
	o := newTestOrchestrator(&fakeAgentStore{}, instances, &fakePoolStore{}, cmds)

	err := o.OnTerminationNotice(context.Background(), agent, instance, time.Now())
	if err != nil {
		t.Fatalf("OnTerminationNotice: %v", err)
	}
	cmd := cmds.inserted[0]
	if cmd.TargetPoolID == nil || *cmd.TargetPoolID != instance.PoolID {
		t.Errorf("target pool = %v, want fallback to current pool %s", cmd.TargetPoolID, instance.PoolID)
	}
	if len(instances.inserted) != 1 || instances.inserted[0].Status != model.InstanceLaunching {
		t.Errorf("expected one launching replica instance row inserted, got %+v", instances.inserted)
	}
	if cmd.InstanceID == nil || *cmd.InstanceID != instances.inserted[0].ID {
		t.Errorf("command instance id = %v, want inserted replica id", cmd.InstanceID)
	}
}
