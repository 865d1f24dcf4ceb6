package confidence

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Decision is a consensus outcome for a triangulation round.
type Decision string

// Consensus decisions.
const (
	DecisionAccept   Decision = "ACCEPT"
	DecisionReject   Decision = "REJECT"
	DecisionEscalate Decision = "ESCALATE"
)

// ErrNoVotes reports a consensus request with no completed subagent votes.
var ErrNoVotes = errors.New("no subagent votes to combine")

type (
	// Vote is one subagent's confidence in the relationship.
	Vote struct {
		AgentType  string
		Confidence float64
	}

	// Outcome is the combined verdict for one triangulation round.
	Outcome struct {
		Decision          Decision
		WeightedConsensus float64
		Spread            float64
		Conflict          bool
	}
)

// Consensus combines subagent votes under configured thresholds.
type Consensus struct {
	cfg *ConsensusConfig
}

// NewConsensus creates a consensus combiner. A nil config uses defaults.
func NewConsensus(cfg *ConsensusConfig) (*Consensus, error) {
	if cfg == nil {
		cfg = DefaultConsensusConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Consensus{cfg: cfg}, nil
}

// MaxEscalations exposes the re-triangulation bound.
func (c *Consensus) MaxEscalations() int {
	return c.cfg.MaxEscalations
}

// Decide combines votes into a decision.
//
// Arithmetic:
//  1. weightedConsensus = Σ wᵢcᵢ / Σ wᵢ with wᵢ looked up by agent type.
//  2. conflict when max cᵢ − min cᵢ exceeds the conflict threshold.
//  3. ACCEPT when consensus clears the accept threshold without conflict;
//     REJECT when it sits at or below the reject threshold; ESCALATE
//     otherwise. Once escalations reach the bound, ESCALATE becomes REJECT.
//
// Votes are ordered by agent type before summing so the result does not
// depend on subagent completion order.
func (c *Consensus) Decide(votes []Vote, escalations int) (Outcome, error) {
	if len(votes) == 0 {
		return Outcome{}, ErrNoVotes
	}

	sorted := make([]Vote, len(votes))
	copy(sorted, votes)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].AgentType != sorted[j].AgentType {
			return sorted[i].AgentType < sorted[j].AgentType
		}
		return sorted[i].Confidence < sorted[j].Confidence
	})

	var weightedSum, weightSum float64
	minC, maxC := math.Inf(1), math.Inf(-1)

	for _, v := range sorted {
		if math.IsNaN(v.Confidence) || v.Confidence < 0 || v.Confidence > 1 {
			return Outcome{}, fmt.Errorf("vote from %s has confidence %v outside [0,1]", v.AgentType, v.Confidence)
		}

		w := c.weightFor(v.AgentType)
		weightedSum += w * v.Confidence
		weightSum += w

		minC = math.Min(minC, v.Confidence)
		maxC = math.Max(maxC, v.Confidence)
	}

	outcome := Outcome{
		WeightedConsensus: weightedSum / weightSum,
		Spread:            maxC - minC,
	}
	outcome.Conflict = outcome.Spread > c.cfg.ConflictThreshold

	switch {
	case outcome.WeightedConsensus >= c.cfg.AcceptThreshold && !outcome.Conflict:
		outcome.Decision = DecisionAccept
	case outcome.WeightedConsensus <= c.cfg.RejectThreshold:
		outcome.Decision = DecisionReject
	default:
		outcome.Decision = DecisionEscalate
	}

	if outcome.Decision == DecisionEscalate && escalations >= c.cfg.MaxEscalations {
		outcome.Decision = DecisionReject
	}

	return outcome, nil
}

func (c *Consensus) weightFor(agentType string) float64 {
	if w, ok := c.cfg.AgentWeights[agentType]; ok {
		return w
	}
	return 1
}
