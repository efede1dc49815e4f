package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/eventbus"
	"github.com/wisbric/fleetswitch/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAgentStore struct {
	stale         []*model.Agent
	markedOffline []uuid.UUID
}

func (f *fakeAgentStore) ListOnlineAgentsStaleSince(ctx context.Context, cutoff time.Time) ([]*model.Agent, error) {
	return f.stale, nil
}

func (f *fakeAgentStore) MarkAgentOffline(ctx context.Context, agentID uuid.UUID) error {
	f.markedOffline = append(f.markedOffline, agentID)
	return nil
}

type fakeCommandStore struct {
	expired int64
}

func (f *fakeCommandStore) ExpireCommandsPastDeadline(ctx context.Context, now time.Time) (int64, error) {
	return f.expired, nil
}

type fakeInstanceStore struct {
	zombies     []*model.Instance
	unconfirmed []*model.Instance
}

func (f *fakeInstanceStore) ListZombiesPastWait(ctx context.Context, now time.Time) ([]*model.Instance, error) {
	return f.zombies, nil
}

func (f *fakeInstanceStore) ListUnconfirmedTerminated(ctx context.Context, now time.Time) ([]*model.Instance, error) {
	return f.unconfirmed, nil
}

func TestHeartbeatSweepTickMarksStaleAgentsOffline(t *testing.T) {
	agentID := uuid.New()
	agents := &fakeAgentStore{stale: []*model.Agent{{ID: agentID, TenantID: uuid.New()}}}
	s := &Scheduler{
		agents:           agents,
		events:           eventbus.New(discardLogger()),
		logger:           discardLogger(),
		now:              time.Now,
		heartbeatTimeout: 120 * time.Second,
	}

	s.heartbeatSweepTick(context.Background())

	if len(agents.markedOffline) != 1 || agents.markedOffline[0] != agentID {
		t.Errorf("expected agent %s marked offline, got %v", agentID, agents.markedOffline)
	}
}

func TestCommandExpiryTickReportsCount(t *testing.T) {
	commands := &fakeCommandStore{expired: 3}
	s := &Scheduler{commands: commands, logger: discardLogger(), now: time.Now}

	s.commandExpiryTick(context.Background())
	// No observable side effect beyond the metric increment and absence of
	// an error log; this exercises the happy path without panicking.
}

func TestZombieReaperTickPublishesPerInstance(t *testing.T) {
	instances := &fakeInstanceStore{
		zombies:     []*model.Instance{{ID: "i-1", AgentID: uuid.New()}},
		unconfirmed: []*model.Instance{{ID: "i-2", AgentID: uuid.New()}},
	}
	received := make(chan eventbus.Event, 2)
	bus := eventbus.New(discardLogger())
	bus.Subscribe("instance.offered_for_termination", func(ev eventbus.Event) { received <- ev })

	s := &Scheduler{instances: instances, events: bus, logger: discardLogger(), now: time.Now}
	s.zombieReaperTick(context.Background())

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for zombie reaper event")
		}
	}
}
