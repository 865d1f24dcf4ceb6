package outbox

import (
	"fmt"
	"time"

	"github.com/cartograph-io/cartograph/internal/config"
)

// Default configuration values.
const (
	defaultBatchSize          = 100
	defaultTickInterval       = time.Second
	defaultReservationTimeout = 30 * time.Second
	defaultMaxAttempts        = 5
)

// Config holds publisher configuration.
type Config struct {
	// BatchSize caps how many events one sweep reserves.
	BatchSize int

	// TickInterval is the sweep cadence.
	TickInterval time.Duration

	// ReservationTimeout is the age past which another publisher may
	// reclaim a RESERVING event. Must comfortably exceed the worst-case
	// sweep duration or two publishers will fight over live batches.
	ReservationTimeout time.Duration

	// MaxAttempts caps publish retries before an event lands FAILED.
	MaxAttempts int
}

// LoadConfig loads publisher configuration from environment variables with
// sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		BatchSize:          config.GetEnvInt("CARTOGRAPH_OUTBOX_BATCH_SIZE", defaultBatchSize),
		TickInterval:       config.GetEnvDuration("CARTOGRAPH_OUTBOX_TICK_INTERVAL", defaultTickInterval),
		ReservationTimeout: config.GetEnvDuration("CARTOGRAPH_OUTBOX_RESERVATION_TIMEOUT", defaultReservationTimeout),
		MaxAttempts:        config.GetEnvInt("CARTOGRAPH_OUTBOX_MAX_ATTEMPTS", defaultMaxAttempts),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("outbox configuration validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:          defaultBatchSize,
		TickInterval:       defaultTickInterval,
		ReservationTimeout: defaultReservationTimeout,
		MaxAttempts:        defaultMaxAttempts,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}

	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}

	if c.ReservationTimeout < time.Second {
		return fmt.Errorf("reservation timeout %s below minimum 1s", c.ReservationTimeout)
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}

	return nil
}

// String returns a loggable representation of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{BatchSize: %d, Tick: %s, ReservationTimeout: %s, MaxAttempts: %d}",
		c.BatchSize, c.TickInterval, c.ReservationTimeout, c.MaxAttempts,
	)
}
