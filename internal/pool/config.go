package pool

import (
	"fmt"
	"time"

	"github.com/cartograph-io/cartograph/internal/breaker"
	"github.com/cartograph-io/cartograph/internal/config"
	"github.com/cartograph-io/cartograph/internal/ratelimit"
)

// HardGlobalCeiling is the absolute in-flight limit. Configuration can lower
// the global cap but never raise it past this value.
const HardGlobalCeiling = 150

// Default configuration values.
const (
	defaultAdaptiveInterval = 30 * time.Second
	defaultResourceInterval = 10 * time.Second
)

// Scaling behavior. The adaptive loop widens a class when it is busy and
// healthy, narrows it when it is idle or degraded.
const (
	scaleUpFactor   = 1.2
	scaleDownFactor = 0.8

	scaleUpUtilization  = 0.8
	scaleUpMaxErrorRate = 0.05
	scaleUpMaxResponse  = 30 * time.Second

	scaleDownUtilization = 0.2
	scaleDownErrorRate   = 0.20
	scaleDownResponse    = 60 * time.Second

	// Weighted process pressure thresholds for the resource probe.
	cpuPressureWeight     = 0.7
	memPressureWeight     = 0.3
	pressureShedThreshold = 0.8
	pressureGrowThreshold = 0.3

	// One short grace period before a rate-limited admission gives up.
	rateRetryDelay = 100 * time.Millisecond

	// Smoothing factor for the per-class response time average.
	emaAlpha = 0.1

	resourceSampleTimeout = 5 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// Config holds pool-wide settings. Per-class settings travel in ClassConfig
// at registration time.
type Config struct {
	// MaxGlobalConcurrency caps total in-flight jobs across all classes.
	// Never exceeds HardGlobalCeiling.
	MaxGlobalConcurrency int

	// AdaptiveInterval is how often the scaler reevaluates class
	// concurrency targets.
	AdaptiveInterval time.Duration

	// ResourceInterval is how often the process CPU and memory pressure
	// is sampled.
	ResourceInterval time.Duration

	// HighPerformance disables adaptive and resource-driven scaling.
	// The global ceiling still applies.
	HighPerformance bool
}

// DefaultConfig returns the standard pool configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxGlobalConcurrency: HardGlobalCeiling,
		AdaptiveInterval:     defaultAdaptiveInterval,
		ResourceInterval:     defaultResourceInterval,
	}
}

// LoadConfig loads pool configuration from environment variables with
// sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		MaxGlobalConcurrency: config.GetEnvInt("CARTOGRAPH_POOL_MAX_GLOBAL", HardGlobalCeiling),
		AdaptiveInterval:     config.GetEnvDuration("CARTOGRAPH_POOL_ADAPTIVE_INTERVAL", defaultAdaptiveInterval),
		ResourceInterval:     config.GetEnvDuration("CARTOGRAPH_POOL_RESOURCE_INTERVAL", defaultResourceInterval),
		HighPerformance:      config.GetEnvBool("CARTOGRAPH_POOL_HIGH_PERFORMANCE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.MaxGlobalConcurrency < 1 {
		return fmt.Errorf("max global concurrency must be at least 1, got %d", c.MaxGlobalConcurrency)
	}

	if c.MaxGlobalConcurrency > HardGlobalCeiling {
		return fmt.Errorf(
			"max global concurrency %d exceeds the hard ceiling of %d",
			c.MaxGlobalConcurrency, HardGlobalCeiling,
		)
	}

	if c.AdaptiveInterval <= 0 {
		return fmt.Errorf("adaptive interval must be positive, got %s", c.AdaptiveInterval)
	}

	if c.ResourceInterval <= 0 {
		return fmt.Errorf("resource interval must be positive, got %s", c.ResourceInterval)
	}

	return nil
}

// String returns a loggable representation of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxGlobal: %d, AdaptiveInterval: %s, ResourceInterval: %s, HighPerformance: %t}",
		c.MaxGlobalConcurrency, c.AdaptiveInterval, c.ResourceInterval, c.HighPerformance,
	)
}

// ClassConfig describes one worker class at registration time.
type ClassConfig struct {
	// Min and Max bound the class's concurrency target. The scaler never
	// moves the target outside [Min, Max].
	Min int
	Max int

	// Initial is the starting concurrency target. Zero starts at Min.
	Initial int

	// Priority orders classes for scale-up and headroom allocation.
	// Higher wins; ties break by registration order.
	Priority int

	// RateLimit is the class's token budget. The zero value uses the
	// registry default.
	RateLimit ratelimit.Params

	// Breaker overrides the circuit breaker settings for this class.
	// Nil uses the breaker manager's template.
	Breaker *breaker.Config
}

func (c ClassConfig) validate() error {
	if c.Min < 1 {
		return fmt.Errorf("min concurrency must be at least 1, got %d", c.Min)
	}

	if c.Max < c.Min {
		return fmt.Errorf("max concurrency %d must be at least min %d", c.Max, c.Min)
	}

	if c.Initial != 0 && (c.Initial < c.Min || c.Initial > c.Max) {
		return fmt.Errorf("initial concurrency %d outside [%d, %d]", c.Initial, c.Min, c.Max)
	}

	if c.RateLimit != (ratelimit.Params{}) {
		if err := c.RateLimit.Validate(); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	if c.Breaker != nil {
		if err := c.Breaker.Validate(); err != nil {
			return fmt.Errorf("breaker: %w", err)
		}
	}

	return nil
}

// initialConcurrency resolves the starting target for a class.
func (c ClassConfig) initialConcurrency() int {
	if c.Initial > 0 {
		return c.Initial
	}
	return c.Min
}
