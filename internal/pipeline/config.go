package pipeline

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/cartograph-io/cartograph/internal/config"
)

// Default configuration values.
const (
	defaultPollInterval     = 2 * time.Second
	defaultSettleChecks     = 3
	defaultEnqueueWait      = 500 * time.Millisecond
	defaultArtifactName     = "cartograph-run.json"
	defaultBackpressureHigh = 1000
	defaultBackpressureLow  = 500
)

// Config holds the run coordinator's settings.
type Config struct {
	// TargetDir is the absolute root of the tree this run analyzes.
	TargetDir string

	// RunID identifies the run. Empty generates a fresh ULID.
	RunID string

	// ArtifactPath is where the machine-readable run summary is written.
	// Empty writes cartograph-run.json next to the working directory.
	ArtifactPath string

	// PollInterval is the cadence of the termination check.
	PollInterval time.Duration

	// SettleChecks is how many consecutive quiescent polls end the run.
	// A job moving from queue to worker slot is briefly invisible to both
	// counters, so a single quiet sample proves nothing.
	SettleChecks int

	// EnqueueWait is how long discovery sleeps when the file-analysis
	// queue is above the high watermark.
	EnqueueWait time.Duration

	// BackpressureHigh and BackpressureLow are the discovery-side queue
	// depth watermarks.
	BackpressureHigh int64
	BackpressureLow  int64

	// StopOnFatalDependency ends the run when a dependency stays down
	// past the health monitor's unhealthy threshold.
	StopOnFatalDependency bool
}

// LoadConfig loads coordinator configuration from environment variables.
// TARGET_DIR is the one required setting.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		TargetDir:             config.GetEnvStr("TARGET_DIR", ""),
		RunID:                 config.GetEnvStr("RUN_ID", ""),
		ArtifactPath:          config.GetEnvStr("CARTOGRAPH_ARTIFACT_PATH", defaultArtifactName),
		PollInterval:          config.GetEnvDuration("CARTOGRAPH_PIPELINE_POLL_INTERVAL", defaultPollInterval),
		SettleChecks:          config.GetEnvInt("CARTOGRAPH_PIPELINE_SETTLE_CHECKS", defaultSettleChecks),
		EnqueueWait:           config.GetEnvDuration("CARTOGRAPH_PIPELINE_ENQUEUE_WAIT", defaultEnqueueWait),
		BackpressureHigh:      config.GetEnvInt64("CARTOGRAPH_BACKPRESSURE_HIGH", defaultBackpressureHigh),
		BackpressureLow:       config.GetEnvInt64("CARTOGRAPH_BACKPRESSURE_LOW", defaultBackpressureLow),
		StopOnFatalDependency: config.GetEnvBool("CARTOGRAPH_STOP_ON_FATAL_DEPENDENCY", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.TargetDir == "" {
		return fmt.Errorf("target directory is required")
	}

	if !filepath.IsAbs(c.TargetDir) {
		return fmt.Errorf("target directory must be absolute, got %q", c.TargetDir)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}

	if c.SettleChecks < 1 {
		return fmt.Errorf("settle checks must be at least 1, got %d", c.SettleChecks)
	}

	if c.EnqueueWait <= 0 {
		return fmt.Errorf("enqueue wait must be positive, got %s", c.EnqueueWait)
	}

	if c.BackpressureLow >= c.BackpressureHigh {
		return fmt.Errorf("backpressure low watermark %d must be below high watermark %d",
			c.BackpressureLow, c.BackpressureHigh)
	}

	return nil
}
