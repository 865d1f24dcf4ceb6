package health

import (
	"fmt"
	"time"

	"github.com/cartograph-io/cartograph/internal/config"
)

// Default configuration values.
const (
	defaultGlobalInterval     = 30 * time.Second
	defaultWorkerInterval     = 60 * time.Second
	defaultDependencyInterval = 120 * time.Second
	defaultProbeTimeout       = 10 * time.Second
	defaultUnhealthyThreshold = 3
	defaultRecoveryThreshold  = 2
	defaultAlertCooldown      = 5 * time.Minute
	defaultMaxHistory         = 256
)

// Worker health limits from the pool's metrics. A class past any of these is
// reported unhealthy; high utilization alone is only a warning.
const (
	workerErrorRateLimit   = 0.20
	workerResponseLimit    = 2 * time.Minute
	workerUtilizationWarn  = 0.95
	memoryPressureRecovery = 0.85
	cpuPressureRecovery    = 0.85
)

// Config holds health monitor configuration.
type Config struct {
	// GlobalInterval is the cadence of the aggregated health check.
	GlobalInterval time.Duration

	// WorkerInterval is the cadence of the worker pool check.
	WorkerInterval time.Duration

	// DependencyInterval is the cadence of the dependency probes.
	DependencyInterval time.Duration

	// ProbeTimeout bounds one dependency probe round trip.
	ProbeTimeout time.Duration

	// UnhealthyThreshold is the consecutive failure count that raises an
	// alert and triggers the dependency's recovery function.
	UnhealthyThreshold int

	// RecoveryThreshold is the consecutive success count that marks a
	// previously unhealthy subject recovered.
	RecoveryThreshold int

	// AlertCooldown suppresses repeat alerts for the same (type, subject)
	// pair.
	AlertCooldown time.Duration

	// MaxHistory bounds the in-memory alert history exported with the run
	// summary.
	MaxHistory int
}

// LoadConfig loads health monitor configuration from environment variables
// with sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		GlobalInterval:     config.GetEnvDuration("CARTOGRAPH_HEALTH_GLOBAL_INTERVAL", defaultGlobalInterval),
		WorkerInterval:     config.GetEnvDuration("CARTOGRAPH_HEALTH_WORKER_INTERVAL", defaultWorkerInterval),
		DependencyInterval: config.GetEnvDuration("CARTOGRAPH_HEALTH_DEPENDENCY_INTERVAL", defaultDependencyInterval),
		ProbeTimeout:       config.GetEnvDuration("CARTOGRAPH_HEALTH_PROBE_TIMEOUT", defaultProbeTimeout),
		UnhealthyThreshold: config.GetEnvInt("CARTOGRAPH_HEALTH_UNHEALTHY_THRESHOLD", defaultUnhealthyThreshold),
		RecoveryThreshold:  config.GetEnvInt("CARTOGRAPH_HEALTH_RECOVERY_THRESHOLD", defaultRecoveryThreshold),
		AlertCooldown:      config.GetEnvDuration("CARTOGRAPH_HEALTH_ALERT_COOLDOWN", defaultAlertCooldown),
		MaxHistory:         config.GetEnvInt("CARTOGRAPH_HEALTH_MAX_HISTORY", defaultMaxHistory),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("health configuration validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the standard health monitor configuration.
func DefaultConfig() *Config {
	return &Config{
		GlobalInterval:     defaultGlobalInterval,
		WorkerInterval:     defaultWorkerInterval,
		DependencyInterval: defaultDependencyInterval,
		ProbeTimeout:       defaultProbeTimeout,
		UnhealthyThreshold: defaultUnhealthyThreshold,
		RecoveryThreshold:  defaultRecoveryThreshold,
		AlertCooldown:      defaultAlertCooldown,
		MaxHistory:         defaultMaxHistory,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.GlobalInterval <= 0 {
		return fmt.Errorf("global interval must be positive, got %s", c.GlobalInterval)
	}

	if c.WorkerInterval <= 0 {
		return fmt.Errorf("worker interval must be positive, got %s", c.WorkerInterval)
	}

	if c.DependencyInterval <= 0 {
		return fmt.Errorf("dependency interval must be positive, got %s", c.DependencyInterval)
	}

	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %s", c.ProbeTimeout)
	}

	if c.UnhealthyThreshold < 1 {
		return fmt.Errorf("unhealthy threshold must be at least 1, got %d", c.UnhealthyThreshold)
	}

	if c.RecoveryThreshold < 1 {
		return fmt.Errorf("recovery threshold must be at least 1, got %d", c.RecoveryThreshold)
	}

	if c.AlertCooldown < 0 {
		return fmt.Errorf("alert cooldown cannot be negative, got %s", c.AlertCooldown)
	}

	if c.MaxHistory < 1 {
		return fmt.Errorf("max history must be at least 1, got %d", c.MaxHistory)
	}

	return nil
}

// String returns a loggable representation of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Global: %s, Worker: %s, Dependency: %s, ProbeTimeout: %s, Unhealthy: %d, Recovery: %d, Cooldown: %s}",
		c.GlobalInterval, c.WorkerInterval, c.DependencyInterval,
		c.ProbeTimeout, c.UnhealthyThreshold, c.RecoveryThreshold, c.AlertCooldown,
	)
}
