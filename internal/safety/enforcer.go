// Package safety implements the four non-negotiable fleet-allocation
// constraints (spec.md §4.5) as a pure in-memory evaluator: given a proposed
// allocation across pools, it returns an explicit Approved/Modified/Rejected
// outcome rather than raising an error for an expected branch, following the
// teacher's plain-result-struct idiom (DedupResult, CreateParams).
package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/wisbric/fleetswitch/internal/model"
)

const (
	riskFloor            = 0.75
	minAZDiversity        = 3
	maxPoolConcentration = 0.20
	minOnDemandBuffer    = 0.15

	// epsilon absorbs float64 division rounding so that mathematically-exact
	// boundary values (e.g. 20/100 == 0.20) compare as equal rather than
	// spuriously failing (spec.md §8: "Exactly 20% pool allocation:
	// Safety Enforcer approves; 20.0001% modifies").
	epsilon = 1e-9
)

// PoolAllocation is one pool's share of a proposed fleet recommendation.
// IsOnDemand marks capacity parked on on-demand instead of a spot pool; such
// entries are excluded from the risk-floor, AZ-diversity, and
// pool-concentration checks (those are properties of spot pools) but count
// toward the on-demand buffer.
type PoolAllocation struct {
	PoolID     string
	AZ         string
	RiskScore  float64
	Allocation int
	IsOnDemand bool
}

// FleetRecommendation describes a proposed pool allocation across a fleet,
// the unit the Safety Enforcer validates (spec.md §4.5).
type FleetRecommendation struct {
	Pools         []PoolAllocation
	TotalCapacity int
}

// spotPools returns every non-on-demand allocation.
func (r FleetRecommendation) spotPools() []PoolAllocation {
	var out []PoolAllocation
	for _, p := range r.Pools {
		if !p.IsOnDemand {
			out = append(out, p)
		}
	}
	return out
}

// onDemandCount sums every on-demand allocation.
func (r FleetRecommendation) onDemandCount() int {
	var n int
	for _, p := range r.Pools {
		if p.IsOnDemand {
			n += p.Allocation
		}
	}
	return n
}

// Outcome is the Approved|Modified|Rejected sum type. Callers should switch
// on Kind; Alternative and Violations are populated only as documented below.
type Outcome struct {
	Kind        OutcomeKind
	Original    FleetRecommendation
	Alternative *FleetRecommendation // set only when Kind == Modified
	Violations  []string
}

type OutcomeKind string

const (
	Approved OutcomeKind = "approved"
	Modified OutcomeKind = "modified"
	Rejected OutcomeKind = "rejected"
)

// violationStore is the subset of internal/store.Store the enforcer needs to
// audit modified/rejected outcomes.
type violationStore interface {
	InsertSafetyViolation(ctx context.Context, v *model.SafetyViolation) error
}

// Enforcer validates fleet recommendations and records violations.
type Enforcer struct {
	store violationStore
}

func NewEnforcer(store violationStore) *Enforcer {
	return &Enforcer{store: store}
}

// Evaluate validates rec against the four constraints and, on failure,
// attempts to construct a safe alternative per spec.md §4.5's ordered
// remediation steps. Every Modified or Rejected outcome is recorded as a
// safety violation audit row (severity high/critical respectively).
func (e *Enforcer) Evaluate(ctx context.Context, tenantID uuid.UUID, rec FleetRecommendation) (Outcome, error) {
	violations := checkConstraints(rec)
	if len(violations) == 0 {
		return Outcome{Kind: Approved, Original: rec}, nil
	}

	alt, altViolations, ok := buildSafeAlternative(rec)
	if !ok {
		out := Outcome{Kind: Rejected, Original: rec, Violations: violations}
		if err := e.record(ctx, tenantID, model.SeverityCritical, out, nil); err != nil {
			return Outcome{}, err
		}
		return out, nil
	}

	out := Outcome{Kind: Modified, Original: rec, Alternative: &alt, Violations: violations}
	_ = altViolations // the alternative itself is constraint-clean; kept for debugging symmetry
	if err := e.record(ctx, tenantID, model.SeverityHigh, out, &alt); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// checkConstraints returns a human-readable violation for each of the four
// constraints rec fails, or nil if rec already satisfies all of them.
func checkConstraints(rec FleetRecommendation) []string {
	var violations []string

	azSet := map[string]struct{}{}
	for _, p := range rec.spotPools() {
		if p.RiskScore < riskFloor-epsilon {
			violations = append(violations, fmt.Sprintf("pool %s risk_score %.4f below floor %.2f", p.PoolID, p.RiskScore, riskFloor))
		}
		azSet[p.AZ] = struct{}{}
		if rec.TotalCapacity > 0 {
			share := float64(p.Allocation) / float64(rec.TotalCapacity)
			if share > maxPoolConcentration+epsilon {
				violations = append(violations, fmt.Sprintf("pool %s allocation share %.4f exceeds max concentration %.2f", p.PoolID, share, maxPoolConcentration))
			}
		}
	}

	if len(azSet) < minAZDiversity {
		violations = append(violations, fmt.Sprintf("AZ diversity %d below minimum %d", len(azSet), minAZDiversity))
	}

	if rec.TotalCapacity > 0 {
		odShare := float64(rec.onDemandCount()) / float64(rec.TotalCapacity)
		if odShare < minOnDemandBuffer-epsilon {
			violations = append(violations, fmt.Sprintf("on-demand buffer %.4f below minimum %.2f", odShare, minOnDemandBuffer))
		}
	}

	return violations
}

// buildSafeAlternative applies spec.md §4.5's ordered remediation steps:
// (a) drop pools below the risk floor, (b) cap any pool above 20% to 20%,
// (c) raise on-demand to 15% by proportionally shrinking the largest
// remaining spot pools, (d) fail if AZ diversity cannot be met from what's
// left. Capacity removed from a pool at steps (a)/(b) is parked on-demand,
// the safe default for capacity that can't stay where it was.
func buildSafeAlternative(rec FleetRecommendation) (FleetRecommendation, []string, bool) {
	total := rec.TotalCapacity
	onDemand := rec.onDemandCount()

	var spot []PoolAllocation
	for _, p := range rec.spotPools() {
		// (a) drop pools below the risk floor; their allocation becomes
		// on-demand capacity instead.
		if p.RiskScore < riskFloor-epsilon {
			onDemand += p.Allocation
			continue
		}
		spot = append(spot, p)
	}

	// (b) cap any pool above 20% to 20%; the excess becomes on-demand.
	if total > 0 {
		capAmount := int(maxPoolConcentration * float64(total))
		for i := range spot {
			if spot[i].Allocation > capAmount {
				onDemand += spot[i].Allocation - capAmount
				spot[i].Allocation = capAmount
			}
		}
	}

	// (c) raise on-demand to 15% by proportionally shrinking the largest
	// remaining spot pools (largest pools shrink most, in absolute terms,
	// since the shrink is proportional to each pool's current size).
	if total > 0 {
		target := int(minOnDemandBuffer * float64(total))
		if target > 0 && float64(minOnDemandBuffer*float64(total)) > float64(target) {
			target++ // round the target up so the buffer clears the floor, not just touches it
		}
		if onDemand < target {
			needed := target - onDemand
			onDemand += shrinkProportionally(spot, needed)
		}
	}

	// Drop any spot pool the shrink reduced to zero.
	var remaining []PoolAllocation
	for _, p := range spot {
		if p.Allocation > 0 {
			remaining = append(remaining, p)
		}
	}

	// (d) fail if AZ diversity cannot be met from what's left.
	azSet := map[string]struct{}{}
	for _, p := range remaining {
		azSet[p.AZ] = struct{}{}
	}
	if len(azSet) < minAZDiversity {
		return FleetRecommendation{}, []string{fmt.Sprintf("AZ diversity %d below minimum %d after remediation", len(azSet), minAZDiversity)}, false
	}

	alt := FleetRecommendation{TotalCapacity: total}
	alt.Pools = append(alt.Pools, remaining...)
	if onDemand > 0 {
		alt.Pools = append(alt.Pools, PoolAllocation{PoolID: "on-demand", Allocation: onDemand, IsOnDemand: true})
	}

	return alt, checkConstraints(alt), true
}

// shrinkProportionally reduces the pools in spot (sorted largest-first) by a
// combined needed units, weighted by each pool's current allocation, and
// returns the total amount actually freed. It mutates spot in place.
func shrinkProportionally(spot []PoolAllocation, needed int) int {
	if needed <= 0 || len(spot) == 0 {
		return 0
	}

	order := make([]int, len(spot))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return spot[order[i]].Allocation > spot[order[j]].Allocation })

	var totalSpot int
	for _, p := range spot {
		totalSpot += p.Allocation
	}
	if totalSpot == 0 {
		return 0
	}

	freed := 0
	remainingNeeded := needed
	for idx, i := range order {
		if remainingNeeded <= 0 {
			break
		}
		var take int
		if idx == len(order)-1 {
			take = remainingNeeded // last pool absorbs any rounding remainder
		} else {
			take = int(float64(needed) * float64(spot[i].Allocation) / float64(totalSpot))
		}
		if take > spot[i].Allocation {
			take = spot[i].Allocation
		}
		if take > remainingNeeded {
			take = remainingNeeded
		}
		spot[i].Allocation -= take
		freed += take
		remainingNeeded -= take
	}
	return freed
}

func (e *Enforcer) record(ctx context.Context, tenantID uuid.UUID, severity model.SafetySeverity, out Outcome, alt *FleetRecommendation) error {
	original, err := json.Marshal(out.Original)
	if err != nil {
		return fmt.Errorf("marshaling original recommendation: %w", err)
	}
	var altJSON []byte
	if alt != nil {
		altJSON, err = json.Marshal(alt)
		if err != nil {
			return fmt.Errorf("marshaling safe alternative: %w", err)
		}
	}
	v := &model.SafetyViolation{
		TenantID:    tenantID,
		Severity:    severity,
		Reasons:     out.Violations,
		Original:    original,
		Alternative: altJSON,
	}
	if err := e.store.InsertSafetyViolation(ctx, v); err != nil {
		return fmt.Errorf("recording safety violation: %w", err)
	}
	return nil
}
