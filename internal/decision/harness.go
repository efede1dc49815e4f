package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/wisbric/fleetswitch/internal/model"
)

// decisionStore is the subset of internal/store.Store the harness needs to
// persist every evaluation for analytics (spec.md §4.4).
type decisionStore interface {
	InsertDecisionRecord(ctx context.Context, r *model.DecisionRecord) error
}

// Harness wraps a pluggable Scorer with the hard filters spec.md §4.4
// mandates run before any scorer is consulted, mirroring
// escalation.Engine.processAlert's "check preconditions, then act" shape.
type Harness struct {
	registry *Registry
	store    decisionStore
	now      func() time.Time
}

func NewHarness(registry *Registry, store decisionStore) *Harness {
	return &Harness{registry: registry, store: store, now: time.Now}
}

// Decide evaluates one agent, applying hard filters before delegating to the
// active scorer, and persists the outcome regardless of the verdict.
func (h *Harness) Decide(ctx context.Context, in Input) (Decision, error) {
	dec, err := h.decide(in)
	if err != nil {
		return Decision{}, err
	}

	record := &model.DecisionRecord{
		AgentID:                in.Agent.ID,
		Action:                 string(dec.Action),
		RiskScore:              dec.RiskScore,
		ExpectedSavingsPerHour: dec.ExpectedSavingsPerHour,
		Confidence:             dec.Confidence,
		Reason:                 dec.Reason,
	}
	if dec.Action == ActionSwitch {
		record.TargetPoolID = &dec.TargetPoolID
	}
	if err := h.store.InsertDecisionRecord(ctx, record); err != nil {
		return Decision{}, fmt.Errorf("persisting decision record: %w", err)
	}
	return dec, nil
}

func (h *Harness) decide(in Input) (Decision, error) {
	cfg := in.Config

	if !cfg.Enabled {
		return Decision{Action: ActionStay, Reason: "agent disabled"}, nil
	}
	if !cfg.AutoSwitchEnabled {
		return Decision{Action: ActionStay, Reason: "auto switch off"}, nil
	}
	if in.Agent.RecentSwitches7d >= cfg.MaxSwitchesPerWeek {
		return Decision{Action: ActionStay, Reason: "rate-limited"}, nil
	}
	if in.Agent.LastSwitchAt != nil {
		minDuration := time.Duration(cfg.MinPoolDurationHours) * time.Hour
		if h.now().Sub(*in.Agent.LastSwitchAt) < minDuration {
			return Decision{Action: ActionStay, Reason: "rate-limited"}, nil
		}
	}

	scorer := h.registry.Current()
	dec, err := scorer.Score(in)
	if err != nil {
		fallback, fbErr := (ruleBasedScorer{}).Score(in)
		if fbErr != nil {
			return Decision{}, fmt.Errorf("scorer error and fallback failed: %w", err)
		}
		fallback.Reason = fmt.Sprintf("scorer error (%v), conservative fallback", err)
		return fallback, nil
	}
	return dec, nil
}
