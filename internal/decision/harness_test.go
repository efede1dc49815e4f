package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wisbric/fleetswitch/internal/model"
)

type fakeDecisionStore struct {
	records []*model.DecisionRecord
}

func (f *fakeDecisionStore) InsertDecisionRecord(ctx context.Context, r *model.DecisionRecord) error {
	f.records = append(f.records, r)
	return nil
}

type fixedScorer struct {
	dec Decision
	err error
}

func (f fixedScorer) Score(in Input) (Decision, error) { return f.dec, f.err }

func baseConfig() model.AgentConfig {
	return model.AgentConfig{
		Enabled:              true,
		AutoSwitchEnabled:    true,
		MaxSwitchesPerWeek:   3,
		MinPoolDurationHours: 6,
		MinSavingsPercent:    15,
	}
}

func TestDecideFiltersDisabledAgent(t *testing.T) {
	store := &fakeDecisionStore{}
	reg := NewRegistry()
	h := NewHarness(reg, store)
	cfg := baseConfig()
	cfg.Enabled = false

	dec, err := h.Decide(context.Background(), Input{Agent: &model.Agent{}, Config: cfg})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Action != ActionStay || dec.Reason != "agent disabled" {
		t.Errorf("got %+v, want stay/agent disabled", dec)
	}
	if len(store.records) != 1 {
		t.Fatalf("expected decision to be persisted, got %d records", len(store.records))
	}
}

func TestDecideFiltersAutoSwitchOff(t *testing.T) {
	store := &fakeDecisionStore{}
	h := NewHarness(NewRegistry(), store)
	cfg := baseConfig()
	cfg.AutoSwitchEnabled = false

	dec, _ := h.Decide(context.Background(), Input{Agent: &model.Agent{}, Config: cfg})
	if dec.Reason != "auto switch off" {
		t.Errorf("got reason %q, want auto switch off", dec.Reason)
	}
}

func TestDecideFiltersRateLimit(t *testing.T) {
	store := &fakeDecisionStore{}
	h := NewHarness(NewRegistry(), store)
	cfg := baseConfig()

	dec, _ := h.Decide(context.Background(), Input{
		Agent:  &model.Agent{RecentSwitches7d: 3},
		Config: cfg,
	})
	if dec.Reason != "rate-limited" {
		t.Errorf("got reason %q, want rate-limited", dec.Reason)
	}
}

func TestDecideFiltersMinPoolDuration(t *testing.T) {
	store := &fakeDecisionStore{}
	h := NewHarness(NewRegistry(), store)
	h.now = func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) }
	cfg := baseConfig()
	recent := h.now().Add(-1 * time.Hour)

	dec, _ := h.Decide(context.Background(), Input{
		Agent:  &model.Agent{LastSwitchAt: &recent},
		Config: cfg,
	})
	if dec.Reason != "rate-limited" {
		t.Errorf("got reason %q, want rate-limited", dec.Reason)
	}
}

func TestDecideDelegatesToScorerWhenFiltersPass(t *testing.T) {
	store := &fakeDecisionStore{}
	reg := NewRegistry()
	want := Decision{Action: ActionSwitch, TargetPoolID: "m5.large.us-east-1b", RiskScore: 0.82, ExpectedSavingsPerHour: 0.006}
	reg.Swap(fixedScorer{dec: want})
	h := NewHarness(reg, store)

	dec, err := h.Decide(context.Background(), Input{Agent: &model.Agent{}, Config: baseConfig()})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Action != ActionSwitch || dec.TargetPoolID != want.TargetPoolID {
		t.Errorf("got %+v, want %+v", dec, want)
	}
	if store.records[0].TargetPoolID == nil || *store.records[0].TargetPoolID != want.TargetPoolID {
		t.Error("expected target pool id to be persisted on a switch decision")
	}
}

func TestDecideFallsBackOnScorerError(t *testing.T) {
	store := &fakeDecisionStore{}
	reg := NewRegistry()
	reg.Swap(fixedScorer{err: errors.New("model unavailable")})
	h := NewHarness(reg, store)

	dec, err := h.Decide(context.Background(), Input{Agent: &model.Agent{}, Config: baseConfig()})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Action != ActionStay {
		t.Errorf("expected conservative stay fallback, got %+v", dec)
	}
}
