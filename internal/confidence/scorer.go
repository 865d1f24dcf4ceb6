// Package confidence decides which relationship candidates reach the graph.
//
// The scorer folds four bounded factor scores into one final confidence and
// classifies it; low or unscorable relationships escalate to triangulation.
// The consensus arithmetic combines triangulation subagent votes into an
// accept, reject, or escalate decision. Both halves are deterministic: the
// same relationship, evidence, and votes always produce the same result.
package confidence

import (
	"math"

	"github.com/cartograph-io/cartograph/internal/storage"
)

// Level classifies a final confidence score.
type Level string

// Confidence levels by descending score band.
const (
	LevelHigh    Level = "HIGH"
	LevelMedium  Level = "MEDIUM"
	LevelLow     Level = "LOW"
	LevelVeryLow Level = "VERY_LOW"
)

// Level band lower bounds.
const (
	highBand   = 0.85
	mediumBand = 0.65
	lowBand    = 0.45
)

// levelOf maps a final score to its band.
func levelOf(final float64) Level {
	switch {
	case final >= highBand:
		return LevelHigh
	case final >= mediumBand:
		return LevelMedium
	case final >= lowBand:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

// ruleBaseScores rates how syntactically reliable each evidence rule is.
// Direct structural matches rank above looser textual ones.
var ruleBaseScores = map[string]float64{
	storage.EvidenceFunctionCall:       0.90,
	storage.EvidenceImportExportMatch:  0.85,
	storage.EvidenceInheritance:        0.85,
	storage.EvidenceClassInstantiation: 0.80,
	storage.EvidenceLLMExtracted:       0.70,
	storage.EvidenceVariableUsage:      0.65,
}

// unknownRuleScore applies to evidence rules the scorer has no rating for.
const unknownRuleScore = 0.50

// neutralSemantic applies when no evidence carries an agent confidence.
const neutralSemantic = 0.50

type (
	// Factors are the four bounded scores extracted from a relationship
	// and its evidence. A NaN factor marks missing or corrupt input and
	// forces escalation.
	Factors struct {
		// Syntax rates the detection rule that produced the
		// relationship.
		Syntax float64

		// Semantic aggregates the agent confidences recorded on the
		// evidence.
		Semantic float64

		// Context rates how completely the relationship tuple is
		// resolved.
		Context float64

		// CrossRef rates corroboration across distinct evidence
		// payloads.
		CrossRef float64
	}

	// Score is the scorer's verdict for one relationship.
	Score struct {
		Factors       Factors
		Weighted      float64
		Penalty       float64
		Uncertainty   float64
		Final         float64
		Level         Level
		Escalate      bool
		EvidenceCount int
	}
)

// anyNaN reports whether any factor is unscorable.
func (f Factors) anyNaN() bool {
	return math.IsNaN(f.Syntax) || math.IsNaN(f.Semantic) ||
		math.IsNaN(f.Context) || math.IsNaN(f.CrossRef)
}

// Scorer computes relationship confidence scores.
type Scorer struct {
	cfg *Config
}

// NewScorer creates a scorer. A nil config uses defaults.
func NewScorer(cfg *Config) (*Scorer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Scorer{cfg: cfg}, nil
}

// Score computes the confidence verdict for one relationship.
//
// Arithmetic:
//  1. Extract the four factor scores from the tuple and its evidence.
//  2. weighted = w·factors (weights sum to 1).
//  3. penalty stays 1 unless a known anti-pattern applies.
//  4. uncertainty = 1 − 1/(1+|E|)^α discounts thin evidence.
//  5. final = clamp(weighted · penalty · uncertainty, 0, 1).
//
// A NaN factor short-circuits to VERY_LOW with Escalate set.
func (s *Scorer) Score(rel *storage.Relationship, evidence []storage.Evidence) Score {
	factors := s.extractFactors(rel, evidence)

	score := Score{
		Factors:       factors,
		Penalty:       s.penalty(rel),
		EvidenceCount: len(evidence),
	}

	if factors.anyNaN() {
		score.Level = LevelVeryLow
		score.Escalate = true
		return score
	}

	w := s.cfg.Weights
	score.Weighted = w.Syntax*factors.Syntax +
		w.Semantic*factors.Semantic +
		w.Context*factors.Context +
		w.CrossRef*factors.CrossRef

	score.Uncertainty = 1 - 1/math.Pow(1+float64(len(evidence)), s.cfg.Alpha)
	score.Final = clamp01(score.Weighted * score.Penalty * score.Uncertainty)
	score.Level = levelOf(score.Final)
	score.Escalate = score.Final < s.cfg.EscalationThreshold

	return score
}

// ShouldEscalate reports whether a relationship needs triangulation.
func (s *Scorer) ShouldEscalate(rel *storage.Relationship, evidence []storage.Evidence) bool {
	return s.Score(rel, evidence).Escalate
}

func (s *Scorer) extractFactors(rel *storage.Relationship, evidence []storage.Evidence) Factors {
	return Factors{
		Syntax:   syntaxScore(rel),
		Semantic: semanticScore(evidence),
		Context:  contextScore(rel),
		CrossRef: crossRefScore(evidence),
	}
}

// penalty discounts known anti-patterns. A self-referential edge is the one
// currently recognized: it is usually a name collision, not a relationship.
func (s *Scorer) penalty(rel *storage.Relationship) float64 {
	if rel.SourcePOIID != nil && rel.TargetPOIID != nil && *rel.SourcePOIID == *rel.TargetPOIID {
		return 0.5
	}
	return 1
}

// syntaxScore rates the rule that detected the relationship.
func syntaxScore(rel *storage.Relationship) float64 {
	if rel.EvidenceType == "" {
		return math.NaN()
	}

	if base, ok := ruleBaseScores[rel.EvidenceType]; ok {
		return base
	}
	return unknownRuleScore
}

// semanticScore averages the agent confidences recorded on the evidence.
// A recorded confidence outside [0,1] marks the factor unscorable.
func semanticScore(evidence []storage.Evidence) float64 {
	var sum float64
	var n int

	for _, ev := range evidence {
		if ev.AgentConfidence == nil {
			continue
		}

		c := *ev.AgentConfidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			return math.NaN()
		}

		sum += c
		n++
	}

	if n == 0 {
		return neutralSemantic
	}
	return sum / float64(n)
}

// contextScore rates how completely the relationship tuple is resolved.
func contextScore(rel *storage.Relationship) float64 {
	score := 0.2

	if rel.SourcePOIID != nil && rel.TargetPOIID != nil {
		score += 0.35
	}
	if rel.Reason != "" {
		score += 0.25
	}
	if rel.EvidenceHash != nil && *rel.EvidenceHash != "" {
		score += 0.2
	}

	return score
}

// crossRefScore rates corroboration: distinct evidence payloads saturate
// toward 1 as independent confirmations accumulate.
func crossRefScore(evidence []storage.Evidence) float64 {
	distinct := make(map[string]struct{}, len(evidence))
	for _, ev := range evidence {
		distinct[string(ev.Payload)] = struct{}{}
	}

	n := float64(len(distinct))
	return n / (n + 2)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
