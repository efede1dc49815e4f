package decision

import "github.com/wisbric/fleetswitch/internal/model"

// Action is the scorer's proposed move for one agent.
type Action string

const (
	ActionStay   Action = "stay"
	ActionSwitch Action = "switch"
)

// CandidatePool is one alternative the scorer may recommend switching to.
type CandidatePool struct {
	PoolID         string
	InstanceType   string
	AZ             string
	CanonicalPrice float64
}

// Input bundles everything a Scorer needs to evaluate one agent (spec.md
// §4.4: "agent+instance state, current pool, alternative pools with
// canonical prices, config thresholds").
type Input struct {
	Agent          *model.Agent
	Instance       *model.Instance
	CurrentPrice   float64
	OnDemandPrice  float64
	Alternatives   []CandidatePool
	Config         model.AgentConfig
}

// Decision is a scorer's or the harness's output for one agent.
type Decision struct {
	Action                Action
	TargetMode            model.AgentMode
	TargetPoolID          string
	RiskScore             float64
	ExpectedSavingsPerHour float64
	Confidence            float64
	Reason                string
}

// Scorer is the pluggable recommendation engine. Implementations may be
// rule-based, ML-backed, or an external RPC client; the harness treats every
// implementation identically and never assumes more than this interface.
type Scorer interface {
	Score(in Input) (Decision, error)
}

// ruleBasedScorer is the harness's built-in fallback: it never recommends a
// switch without a live, loaded scorer (spec.md §4.4 "never auto-switches
// without a live scorer").
type ruleBasedScorer struct{}

func (ruleBasedScorer) Score(in Input) (Decision, error) {
	if in.OnDemandPrice > 0 {
		savingsPercent := (in.OnDemandPrice - in.CurrentPrice) / in.OnDemandPrice * 100
		if savingsPercent >= in.Config.MinSavingsPercent {
			return Decision{
				Action: ActionStay,
				Reason: "current savings already exceed min_savings_percent",
			}, nil
		}
	}
	return Decision{
		Action: ActionStay,
		Reason: "no live scorer loaded, conservative fallback",
	}, nil
}
