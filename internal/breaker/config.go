package breaker

import (
	"fmt"
	"time"

	"github.com/cartograph-io/cartograph/internal/config"
)

// Default configuration values.
const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
	defaultMaxResetTimeout  = 5 * time.Minute
	defaultInterval         = time.Minute
)

// Config holds circuit breaker configuration for one target.
type Config struct {
	// Name identifies the protected target, a worker class or external
	// dependency.
	Name string

	// FailureThreshold is the consecutive-failure count that trips a
	// CLOSED breaker.
	FailureThreshold uint32

	// ResetTimeout is the base OPEN duration before a probe is allowed.
	ResetTimeout time.Duration

	// MaxResetTimeout caps the doubling applied after failed probes.
	MaxResetTimeout time.Duration

	// Interval is the rolling-window period for clearing CLOSED counters.
	// Zero keeps counters until a state change.
	Interval time.Duration

	// OnStateChange is invoked after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the default configuration for a target.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: defaultFailureThreshold,
		ResetTimeout:     defaultResetTimeout,
		MaxResetTimeout:  defaultMaxResetTimeout,
		Interval:         defaultInterval,
	}
}

// LoadConfig loads breaker configuration from environment variables with
// sensible defaults. The result is the Manager's template; per-target
// overrides go through Manager.GetOrCreate.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		FailureThreshold: uint32(config.GetEnvInt("CARTOGRAPH_BREAKER_FAILURE_THRESHOLD", defaultFailureThreshold)),
		ResetTimeout:     config.GetEnvDuration("CARTOGRAPH_BREAKER_RESET_TIMEOUT", defaultResetTimeout),
		MaxResetTimeout:  config.GetEnvDuration("CARTOGRAPH_BREAKER_MAX_RESET_TIMEOUT", defaultMaxResetTimeout),
		Interval:         config.GetEnvDuration("CARTOGRAPH_BREAKER_INTERVAL", defaultInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("breaker configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}

	if c.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout must be positive, got %s", c.ResetTimeout)
	}

	if c.MaxResetTimeout < c.ResetTimeout {
		return fmt.Errorf(
			"max reset timeout %s below base reset timeout %s",
			c.MaxResetTimeout, c.ResetTimeout,
		)
	}

	if c.Interval < 0 {
		return fmt.Errorf("interval cannot be negative, got %s", c.Interval)
	}

	return nil
}
