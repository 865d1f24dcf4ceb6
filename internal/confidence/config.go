package confidence

import (
	"fmt"
	"math"
	"time"

	"github.com/cartograph-io/cartograph/internal/config"
)

// Default configuration values.
const (
	defaultWeightSyntax   = 0.3
	defaultWeightSemantic = 0.3
	defaultWeightContext  = 0.2
	defaultWeightCrossRef = 0.2

	defaultEscalationThreshold = 0.5
	defaultAlpha               = 1.0

	defaultAcceptThreshold   = 0.7
	defaultRejectThreshold   = 0.3
	defaultConflictThreshold = 0.4
	defaultMaxEscalations    = 1

	// Subagents make one language model call each, so their budget matches
	// the model call budget.
	defaultSubagentTimeout = 150 * time.Second

	weightSumTolerance = 1e-9
)

// Weights distributes the final score across the four factor dimensions.
// The weights must sum to 1.
type Weights struct {
	Syntax   float64
	Semantic float64
	Context  float64
	CrossRef float64
}

// DefaultWeights returns the standard factor weighting.
func DefaultWeights() Weights {
	return Weights{
		Syntax:   defaultWeightSyntax,
		Semantic: defaultWeightSemantic,
		Context:  defaultWeightContext,
		CrossRef: defaultWeightCrossRef,
	}
}

// Validate checks that the weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Syntax, w.Semantic, w.Context, w.CrossRef} {
		if math.IsNaN(v) || v < 0 {
			return fmt.Errorf("factor weights must be non-negative, got %v", v)
		}
	}

	sum := w.Syntax + w.Semantic + w.Context + w.CrossRef
	if math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("factor weights must sum to 1, got %v", sum)
	}

	return nil
}

// Config holds scorer configuration.
type Config struct {
	// Weights spreads the final score across factors.
	Weights Weights

	// EscalationThreshold routes relationships scoring below it to
	// triangulation instead of validation.
	EscalationThreshold float64

	// Alpha shapes the evidence-volume discount: more evidence means less
	// uncertainty, approaching zero discount as evidence accumulates.
	Alpha float64
}

// DefaultConfig returns the standard scorer configuration.
func DefaultConfig() *Config {
	return &Config{
		Weights:             DefaultWeights(),
		EscalationThreshold: defaultEscalationThreshold,
		Alpha:               defaultAlpha,
	}
}

// LoadConfig loads scorer configuration from environment variables with
// sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Weights: Weights{
			Syntax:   config.GetEnvFloat("CARTOGRAPH_CONFIDENCE_WEIGHT_SYNTAX", defaultWeightSyntax),
			Semantic: config.GetEnvFloat("CARTOGRAPH_CONFIDENCE_WEIGHT_SEMANTIC", defaultWeightSemantic),
			Context:  config.GetEnvFloat("CARTOGRAPH_CONFIDENCE_WEIGHT_CONTEXT", defaultWeightContext),
			CrossRef: config.GetEnvFloat("CARTOGRAPH_CONFIDENCE_WEIGHT_CROSSREF", defaultWeightCrossRef),
		},
		EscalationThreshold: config.GetEnvFloat("CARTOGRAPH_CONFIDENCE_ESCALATION_THRESHOLD", defaultEscalationThreshold),
		Alpha:               config.GetEnvFloat("CARTOGRAPH_CONFIDENCE_ALPHA", defaultAlpha),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("confidence configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}

	if c.EscalationThreshold < 0 || c.EscalationThreshold > 1 {
		return fmt.Errorf("escalation threshold must be in [0,1], got %v", c.EscalationThreshold)
	}

	if c.Alpha <= 0 {
		return fmt.Errorf("alpha must be positive, got %v", c.Alpha)
	}

	return nil
}

// String returns a loggable representation of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Weights: %.2f/%.2f/%.2f/%.2f, Escalation: %.2f, Alpha: %.2f}",
		c.Weights.Syntax, c.Weights.Semantic, c.Weights.Context, c.Weights.CrossRef,
		c.EscalationThreshold, c.Alpha,
	)
}

// ConsensusConfig holds the thresholds for combining subagent votes.
type ConsensusConfig struct {
	// AcceptThreshold is the minimum weighted consensus for acceptance.
	AcceptThreshold float64

	// RejectThreshold is the maximum weighted consensus for rejection.
	RejectThreshold float64

	// ConflictThreshold is the vote spread above which agents are
	// considered in conflict, blocking acceptance.
	ConflictThreshold float64

	// MaxEscalations bounds re-triangulation. Once exhausted, an
	// inconclusive round is forced to REJECT.
	MaxEscalations int

	// AgentWeights maps agent type to vote weight. Missing types weigh 1.
	AgentWeights map[string]float64

	// SubagentTimeout bounds each subagent's analysis.
	SubagentTimeout time.Duration
}

// DefaultConsensusConfig returns the standard consensus thresholds.
func DefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{
		AcceptThreshold:   defaultAcceptThreshold,
		RejectThreshold:   defaultRejectThreshold,
		ConflictThreshold: defaultConflictThreshold,
		MaxEscalations:    defaultMaxEscalations,
		SubagentTimeout:   defaultSubagentTimeout,
	}
}

// LoadConsensusConfig loads consensus configuration from environment
// variables with sensible defaults.
func LoadConsensusConfig() (*ConsensusConfig, error) {
	cfg := &ConsensusConfig{
		AcceptThreshold:   config.GetEnvFloat("CARTOGRAPH_TRIANGULATION_ACCEPT_THRESHOLD", defaultAcceptThreshold),
		RejectThreshold:   config.GetEnvFloat("CARTOGRAPH_TRIANGULATION_REJECT_THRESHOLD", defaultRejectThreshold),
		ConflictThreshold: config.GetEnvFloat("CARTOGRAPH_TRIANGULATION_CONFLICT_THRESHOLD", defaultConflictThreshold),
		MaxEscalations:    config.GetEnvInt("CARTOGRAPH_TRIANGULATION_MAX_ESCALATIONS", defaultMaxEscalations),
		SubagentTimeout:   config.GetEnvDuration("CARTOGRAPH_TRIANGULATION_SUBAGENT_TIMEOUT", defaultSubagentTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("consensus configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *ConsensusConfig) Validate() error {
	if c.RejectThreshold < 0 || c.AcceptThreshold > 1 || c.RejectThreshold >= c.AcceptThreshold {
		return fmt.Errorf(
			"thresholds must satisfy 0 <= reject < accept <= 1, got reject %v accept %v",
			c.RejectThreshold, c.AcceptThreshold,
		)
	}

	if c.ConflictThreshold <= 0 || c.ConflictThreshold > 1 {
		return fmt.Errorf("conflict threshold must be in (0,1], got %v", c.ConflictThreshold)
	}

	if c.MaxEscalations < 0 {
		return fmt.Errorf("max escalations cannot be negative, got %d", c.MaxEscalations)
	}

	for agent, w := range c.AgentWeights {
		if math.IsNaN(w) || w <= 0 {
			return fmt.Errorf("weight for agent %s must be positive, got %v", agent, w)
		}
	}

	if c.SubagentTimeout <= 0 {
		return fmt.Errorf("subagent timeout must be positive, got %s", c.SubagentTimeout)
	}

	return nil
}

// String returns a loggable representation of the configuration.
func (c *ConsensusConfig) String() string {
	return fmt.Sprintf(
		"ConsensusConfig{Accept: %.2f, Reject: %.2f, Conflict: %.2f, MaxEscalations: %d, SubagentTimeout: %s}",
		c.AcceptThreshold, c.RejectThreshold, c.ConflictThreshold, c.MaxEscalations, c.SubagentTimeout,
	)
}
