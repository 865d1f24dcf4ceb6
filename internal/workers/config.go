package workers

import (
	"fmt"
	"time"

	"github.com/cartograph-io/cartograph/internal/config"
	"github.com/cartograph-io/cartograph/internal/llm"
)

// Default configuration values.
const (
	defaultMaxFileBytes      = 1 << 20
	defaultVisibility        = 30 * time.Second
	defaultPollInterval      = 250 * time.Millisecond
	defaultReserveTimeout    = 10 * time.Second
	defaultFailFloor         = 0.2
	defaultGraphBatchSize    = 50
	defaultGraphBatchTimeout = 60 * time.Second
)

// Config holds settings shared by every worker.
type Config struct {
	// MaxFileBytes bounds one file read. Oversize files are truncated at
	// the boundary and the truncation is annotated in the prompt.
	MaxFileBytes int64

	// LLMTimeout bounds one extraction call.
	LLMTimeout time.Duration

	// Visibility is the lease a worker takes when reserving a job. Jobs
	// not acked within it become visible again.
	Visibility time.Duration

	// PollInterval is how long an idle runner sleeps after an empty
	// reserve.
	PollInterval time.Duration

	// ReserveTimeout bounds a single reserve round trip.
	ReserveTimeout time.Duration

	// FailFloor is the confidence below which validation fails a
	// relationship outright instead of escalating it.
	FailFloor float64

	// GraphBatchSize caps relationships per graph sink batch.
	GraphBatchSize int

	// GraphBatchTimeout bounds one sink batch upsert.
	GraphBatchTimeout time.Duration
}

// LoadConfig loads worker configuration from environment variables with
// sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		MaxFileBytes:      config.GetEnvInt64("CARTOGRAPH_WORKER_MAX_FILE_BYTES", defaultMaxFileBytes),
		LLMTimeout:        config.GetEnvDuration("CARTOGRAPH_WORKER_LLM_TIMEOUT", llm.DefaultCallTimeout),
		Visibility:        config.GetEnvDuration("CARTOGRAPH_WORKER_VISIBILITY", defaultVisibility),
		PollInterval:      config.GetEnvDuration("CARTOGRAPH_WORKER_POLL_INTERVAL", defaultPollInterval),
		ReserveTimeout:    config.GetEnvDuration("CARTOGRAPH_WORKER_RESERVE_TIMEOUT", defaultReserveTimeout),
		FailFloor:         config.GetEnvFloat("CARTOGRAPH_WORKER_FAIL_FLOOR", defaultFailFloor),
		GraphBatchSize:    config.GetEnvInt("CARTOGRAPH_WORKER_GRAPH_BATCH", defaultGraphBatchSize),
		GraphBatchTimeout: config.GetEnvDuration("CARTOGRAPH_WORKER_GRAPH_BATCH_TIMEOUT", defaultGraphBatchTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("worker configuration validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxFileBytes:      defaultMaxFileBytes,
		LLMTimeout:        llm.DefaultCallTimeout,
		Visibility:        defaultVisibility,
		PollInterval:      defaultPollInterval,
		ReserveTimeout:    defaultReserveTimeout,
		FailFloor:         defaultFailFloor,
		GraphBatchSize:    defaultGraphBatchSize,
		GraphBatchTimeout: defaultGraphBatchTimeout,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.MaxFileBytes < 1 {
		return fmt.Errorf("max file bytes must be positive, got %d", c.MaxFileBytes)
	}

	if c.LLMTimeout <= 0 {
		return fmt.Errorf("llm timeout must be positive, got %s", c.LLMTimeout)
	}

	if c.Visibility < time.Second {
		return fmt.Errorf("visibility %s below minimum 1s", c.Visibility)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}

	if c.ReserveTimeout <= 0 {
		return fmt.Errorf("reserve timeout must be positive, got %s", c.ReserveTimeout)
	}

	if c.FailFloor < 0 || c.FailFloor >= 1 {
		return fmt.Errorf("fail floor %f outside [0,1)", c.FailFloor)
	}

	if c.GraphBatchSize < 1 {
		return fmt.Errorf("graph batch size must be at least 1, got %d", c.GraphBatchSize)
	}

	if c.GraphBatchTimeout <= 0 {
		return fmt.Errorf("graph batch timeout must be positive, got %s", c.GraphBatchTimeout)
	}

	return nil
}

// String returns a loggable representation of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxFileBytes: %d, LLMTimeout: %s, Visibility: %s, Poll: %s, FailFloor: %.2f, GraphBatch: %d}",
		c.MaxFileBytes, c.LLMTimeout, c.Visibility, c.PollInterval, c.FailFloor, c.GraphBatchSize,
	)
}
