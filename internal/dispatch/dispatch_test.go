package dispatch

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCommandStore struct {
	byRequestID map[string]*model.Command
	inserted    []*model.Command
	polled      []*model.Command
	reported    *model.Command
	zombies     []*model.Instance
	unconfirmed []*model.Instance
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
	out.CreatedAt = time.Now()
	f.byRequestID[out.AgentID.String()+":"+out.RequestID] = &out
	f.inserted = append(f.inserted, &out)
	return &out, nil
}

func (f *fakeCommandStore) PollCommands(ctx context.Context, agentID uuid.UUID, limit int) ([]*model.Command, error) {
	return f.polled, nil
}

func (f *fakeCommandStore) ReportCommand(ctx context.Context, commandID uuid.UUID, success bool, message *string) (*model.Command, error) {
	return f.reported, nil
}

func (f *fakeCommandStore) ListZombiesPastWait(ctx context.Context, now time.Time) ([]*model.Instance, error) {
	return f.zombies, nil
}

func (f *fakeCommandStore) ListUnconfirmedTerminated(ctx context.Context, now time.Time) ([]*model.Instance, error) {
	return f.unconfirmed, nil
}

func newDispatcher(store commandStore) *Dispatcher {
	return NewDispatcher(store, nil, discardLogger())
}

func TestEnqueueIsIdempotentOnRequestID(t *testing.T) {
	store := newFakeCommandStore()
	d := newDispatcher(store)
	agent := &model.Agent{ID: uuid.New()}
	pool := "m5.large.us-east-1b"
	mode := model.ModeSpot

	p := EnqueueParams{CommandType: model.CommandSwitch, TargetMode: &mode, TargetPoolID: &pool, Priority: model.PriorityScorerSwitch, RequestID: "req-1"}

	first, err := d.Enqueue(context.Background(), agent, p)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := d.Enqueue(context.Background(), agent, p)
	if err != nil {
		t.Fatalf("Enqueue (retry): %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected idempotent return, got different command ids %s vs %s", first.ID, second.ID)
	}
	if len(store.inserted) != 1 {
		t.Errorf("expected exactly one insert, got %d", len(store.inserted))
	}
}

func TestEnqueueRejectsRedundantSwitch(t *testing.T) {
	store := newFakeCommandStore()
	d := newDispatcher(store)
	pool := "m5.large.us-east-1b"
	agent := &model.Agent{ID: uuid.New(), Mode: model.ModeSpot, CurrentPoolID: &pool}

	_, err := d.Enqueue(context.Background(), agent, EnqueueParams{
		CommandType:  model.CommandSwitch,
		TargetMode:   &agent.Mode,
		TargetPoolID: &pool,
		Priority:     model.PriorityScorerSwitch,
		RequestID:    "req-redundant",
	})
	if err == nil {
		t.Fatal("expected redundant switch to be rejected")
	}
}

func TestEnqueueDefaultDeadlineByPriority(t *testing.T) {
	store := newFakeCommandStore()
	d := newDispatcher(store)
	agent := &model.Agent{ID: uuid.New()}
	fixed := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	routine, err := d.Enqueue(context.Background(), agent, EnqueueParams{
		CommandType: model.CommandTerminate, Priority: model.PriorityRoutineTerminate, RequestID: "routine",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !routine.Deadline.Equal(fixed.Add(10 * time.Minute)) {
		t.Errorf("routine deadline = %v, want %v", routine.Deadline, fixed.Add(10*time.Minute))
	}

	emergency, err := d.Enqueue(context.Background(), agent, EnqueueParams{
		CommandType: model.CommandPromoteReplica, Priority: model.PriorityEmergencyPromotion, RequestID: "emergency",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !emergency.Deadline.Equal(fixed.Add(2 * time.Minute)) {
		t.Errorf("emergency deadline = %v, want %v", emergency.Deadline, fixed.Add(2*time.Minute))
	}
}

func TestInstancesToTerminateFiltersByAgent(t *testing.T) {
	store := newFakeCommandStore()
	wantAgent := uuid.New()
	otherAgent := uuid.New()
	store.zombies = []*model.Instance{{ID: "i-1", AgentID: wantAgent}, {ID: "i-2", AgentID: otherAgent}}
	store.unconfirmed = []*model.Instance{{ID: "i-3", AgentID: wantAgent}}
	d := newDispatcher(store)

	out, err := d.InstancesToTerminate(context.Background(), wantAgent)
	if err != nil {
		t.Fatalf("InstancesToTerminate: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d instances, want 2", len(out))
	}
}
