package safety

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/model"
)

type fakeViolationStore struct {
	violations []*model.SafetyViolation
}

func (f *fakeViolationStore) InsertSafetyViolation(ctx context.Context, v *model.SafetyViolation) error {
	f.violations = append(f.violations, v)
	return nil
}

func threeAZRec(allocations ...int) FleetRecommendation {
	azs := []string{"us-east-1a", "us-east-1b", "us-east-1c"}
	rec := FleetRecommendation{TotalCapacity: 0}
	for i, a := range allocations {
		rec.Pools = append(rec.Pools, PoolAllocation{
			PoolID:     azs[i%len(azs)],
			AZ:         azs[i%len(azs)],
			RiskScore:  0.80,
			Allocation: a,
		})
		rec.TotalCapacity += a
	}
	return rec
}

func TestEvaluateApprovesCompliantRecommendation(t *testing.T) {
	store := &fakeViolationStore{}
	e := NewEnforcer(store)
	rec := threeAZRec(15, 15, 15)
	rec.Pools = append(rec.Pools, PoolAllocation{PoolID: "on-demand", Allocation: 55, IsOnDemand: true})
	rec.TotalCapacity = 100

	out, err := e.Evaluate(context.Background(), uuid.New(), rec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.Kind != Approved {
		t.Fatalf("got %s, want approved (violations: %v)", out.Kind, out.Violations)
	}
	if len(store.violations) != 0 {
		t.Errorf("approved outcome should not record a violation")
	}
}

func TestEvaluateExactBoundariesApprove(t *testing.T) {
	store := &fakeViolationStore{}
	e := NewEnforcer(store)
	// Exactly 20% concentration and exactly 15% on-demand buffer.
	rec := threeAZRec(20, 20, 20)
	rec.Pools = append(rec.Pools, PoolAllocation{PoolID: "on-demand", Allocation: 15, IsOnDemand: true})
	rec.TotalCapacity = 100
	rec.Pools[0].Allocation = 20
	rec.Pools[1].Allocation = 20
	rec.Pools[2].Allocation = 20

	out, err := e.Evaluate(context.Background(), uuid.New(), rec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.Kind != Approved {
		t.Fatalf("boundary values should approve, got %s (violations: %v)", out.Kind, out.Violations)
	}
}

func TestEvaluateRejectsWhenAZDiversityUnattainable(t *testing.T) {
	store := &fakeViolationStore{}
	e := NewEnforcer(store)
	rec := FleetRecommendation{
		TotalCapacity: 100,
		Pools: []PoolAllocation{
			{PoolID: "p1", AZ: "us-east-1a", RiskScore: 0.72, Allocation: 40},
			{PoolID: "p2", AZ: "us-east-1a", RiskScore: 0.80, Allocation: 30},
			{PoolID: "p3", AZ: "us-east-1a", RiskScore: 0.85, Allocation: 30},
		},
	}

	out, err := e.Evaluate(context.Background(), uuid.New(), rec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.Kind != Rejected {
		t.Fatalf("got %s, want rejected", out.Kind)
	}
	if len(store.violations) != 1 || store.violations[0].Severity != model.SeverityCritical {
		t.Errorf("expected one critical violation recorded, got %+v", store.violations)
	}
}

func TestEvaluateModifiesOverConcentratedAllocation(t *testing.T) {
	store := &fakeViolationStore{}
	e := NewEnforcer(store)
	rec := threeAZRec(40, 30, 30)

	out, err := e.Evaluate(context.Background(), uuid.New(), rec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.Kind != Modified {
		t.Fatalf("got %s, want modified (violations: %v)", out.Kind, out.Violations)
	}
	if out.Alternative == nil {
		t.Fatal("expected a safe alternative")
	}
	if len(store.violations) != 1 || store.violations[0].Severity != model.SeverityHigh {
		t.Errorf("expected one high-severity violation recorded, got %+v", store.violations)
	}

	alt := *out.Alternative
	for _, p := range alt.spotPools() {
		share := float64(p.Allocation) / float64(alt.TotalCapacity)
		if share > maxPoolConcentration+epsilon {
			t.Errorf("alternative pool %s still over concentration limit: %.4f", p.PoolID, share)
		}
	}
	odShare := float64(alt.onDemandCount()) / float64(alt.TotalCapacity)
	if odShare < minOnDemandBuffer-epsilon {
		t.Errorf("alternative on-demand share %.4f still below floor", odShare)
	}
}

func TestEvaluateDropsPoolBelowRiskFloor(t *testing.T) {
	store := &fakeViolationStore{}
	e := NewEnforcer(store)
	rec := FleetRecommendation{
		TotalCapacity: 100,
		Pools: []PoolAllocation{
			{PoolID: "risky", AZ: "us-east-1a", RiskScore: 0.50, Allocation: 20},
			{PoolID: "p2", AZ: "us-east-1b", RiskScore: 0.80, Allocation: 20},
			{PoolID: "p3", AZ: "us-east-1c", RiskScore: 0.82, Allocation: 20},
			{PoolID: "p4", AZ: "us-west-2a", RiskScore: 0.85, Allocation: 20},
			{PoolID: "on-demand", IsOnDemand: true, Allocation: 20},
		},
	}

	out, err := e.Evaluate(context.Background(), uuid.New(), rec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.Kind != Modified {
		t.Fatalf("got %s, want modified (violations: %v)", out.Kind, out.Violations)
	}
	for _, p := range out.Alternative.Pools {
		if p.PoolID == "risky" {
			t.Error("risky pool should have been dropped from the alternative")
		}
	}
}
