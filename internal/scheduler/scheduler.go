// Package scheduler runs the four periodic jobs named in spec.md §4.2: the
// heartbeat sweep, command expiry, zombie reaper, and pricing consolidation,
// each on its own cadence with jitter so concurrent deployments don't
// thunder-herd the store on the same tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/config"
	"github.com/wisbric/fleetswitch/internal/eventbus"
	"github.com/wisbric/fleetswitch/internal/model"
	"github.com/wisbric/fleetswitch/internal/obs"
	"github.com/wisbric/fleetswitch/internal/pricing"
)

// jitterFraction bounds each tick's random deviation from its nominal
// cadence, so many instances of this process don't all sweep in lockstep.
const jitterFraction = 0.10

// agentStore is the subset of internal/store.Store the heartbeat sweep needs.
type agentStore interface {
	ListOnlineAgentsStaleSince(ctx context.Context, cutoff time.Time) ([]*model.Agent, error)
	MarkAgentOffline(ctx context.Context, agentID uuid.UUID) error
}

// commandStore is the subset needed for command expiry.
type commandStore interface {
	ExpireCommandsPastDeadline(ctx context.Context, now time.Time) (int64, error)
}

// instanceStore is the subset needed for the zombie reaper.
type instanceStore interface {
	ListZombiesPastWait(ctx context.Context, now time.Time) ([]*model.Instance, error)
	ListUnconfirmedTerminated(ctx context.Context, now time.Time) ([]*model.Instance, error)
}

// Scheduler owns the four background jobs' cadence and wiring.
type Scheduler struct {
	agents    agentStore
	commands  commandStore
	instances instanceStore
	pricing   *pricing.Pipeline
	events    *eventbus.Bus
	logger    *slog.Logger
	now       func() time.Time

	heartbeatTimeout             time.Duration
	heartbeatSweepInterval       time.Duration
	commandExpiryInterval        time.Duration
	zombieReaperInterval         time.Duration
	pricingConsolidationInterval time.Duration
}

// New builds a Scheduler from cfg's cadence strings, parsing each with
// time.ParseDuration.
func New(cfg *config.Config, agents agentStore, commands commandStore, instances instanceStore, pipeline *pricing.Pipeline, events *eventbus.Bus, logger *slog.Logger) (*Scheduler, error) {
	heartbeatSweep, err := time.ParseDuration(cfg.HeartbeatSweepInterval)
	if err != nil {
		return nil, fmt.Errorf("parsing heartbeat sweep interval: %w", err)
	}
	commandExpiry, err := time.ParseDuration(cfg.CommandExpiryInterval)
	if err != nil {
		return nil, fmt.Errorf("parsing command expiry interval: %w", err)
	}
	zombieReaper, err := time.ParseDuration(cfg.ZombieReaperInterval)
	if err != nil {
		return nil, fmt.Errorf("parsing zombie reaper interval: %w", err)
	}
	pricingConsolidation, err := time.ParseDuration(cfg.PricingConsolidationPeriod)
	if err != nil {
		return nil, fmt.Errorf("parsing pricing consolidation interval: %w", err)
	}

	return &Scheduler{
		agents:                       agents,
		commands:                     commands,
		instances:                    instances,
		pricing:                      pipeline,
		events:                       events,
		logger:                       logger,
		now:                          time.Now,
		heartbeatTimeout:             time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second,
		heartbeatSweepInterval:       heartbeatSweep,
		commandExpiryInterval:        commandExpiry,
		zombieReaperInterval:         zombieReaper,
		pricingConsolidationInterval: pricingConsolidation,
	}, nil
}

// Run starts all four jobs and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"heartbeat_sweep", s.heartbeatSweepInterval, s.heartbeatSweepTick},
		{"command_expiry", s.commandExpiryInterval, s.commandExpiryTick},
		{"zombie_reaper", s.zombieReaperInterval, s.zombieReaperTick},
		{"pricing_consolidation", s.pricingConsolidationInterval, s.pricingConsolidationTick},
	}

	for _, j := range jobs {
		wg.Add(1)
		go func(interval time.Duration, fn func(context.Context)) {
			defer wg.Done()
			s.runJob(ctx, interval, fn)
		}(j.interval, j.fn)
	}

	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) runJob(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	timer := time.NewTimer(jitter(interval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fn(ctx)
			timer.Reset(jitter(interval))
		}
	}
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	return d + time.Duration(rand.Float64()*2*delta-delta)
}

// heartbeatSweepTick marks agents offline once last_heartbeat_at exceeds the
// configured timeout (spec.md §4.2).
func (s *Scheduler) heartbeatSweepTick(ctx context.Context) {
	cutoff := s.now().Add(-s.heartbeatTimeout)
	stale, err := s.agents.ListOnlineAgentsStaleSince(ctx, cutoff)
	if err != nil {
		s.logger.Error("heartbeat sweep: listing stale agents", "error", err)
		return
	}
	for _, a := range stale {
		if err := s.agents.MarkAgentOffline(ctx, a.ID); err != nil {
			s.logger.Error("heartbeat sweep: marking agent offline", "agent_id", a.ID, "error", err)
			continue
		}
		obs.AgentsOfflineTotal.Inc()
		s.events.Publish(eventbus.Event{Topic: "agent.offline", TenantID: a.TenantID, Payload: map[string]any{"agent_id": a.ID}})
	}
}

// commandExpiryTick marks pending commands past deadline as expired.
func (s *Scheduler) commandExpiryTick(ctx context.Context) {
	n, err := s.commands.ExpireCommandsPastDeadline(ctx, s.now())
	if err != nil {
		s.logger.Error("command expiry: marking expired commands", "error", err)
		return
	}
	if n > 0 {
		obs.CommandsExpiredTotal.Add(float64(n))
	}
}

// zombieReaperTick offers past-wait zombies and unconfirmed terminations on
// each agent's termination list by publishing an event per instance; the
// agent discovers them via dispatch.InstancesToTerminate on its next poll.
func (s *Scheduler) zombieReaperTick(ctx context.Context) {
	now := s.now()
	zombies, err := s.instances.ListZombiesPastWait(ctx, now)
	if err != nil {
		s.logger.Error("zombie reaper: listing zombies", "error", err)
		return
	}
	unconfirmed, err := s.instances.ListUnconfirmedTerminated(ctx, now)
	if err != nil {
		s.logger.Error("zombie reaper: listing unconfirmed terminations", "error", err)
		return
	}

	for _, i := range append(zombies, unconfirmed...) {
		obs.ZombiesOfferedTotal.Inc()
		s.events.Publish(eventbus.Event{Topic: "instance.offered_for_termination", Payload: map[string]any{"instance_id": i.ID, "agent_id": i.AgentID}})
	}
}

// pricingConsolidationTick runs one pass of the pricing pipeline.
func (s *Scheduler) pricingConsolidationTick(ctx context.Context) {
	start := s.now()
	err := s.pricing.Run(ctx)
	obs.PricingConsolidationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Error("pricing consolidation run", "error", err)
	}
}
