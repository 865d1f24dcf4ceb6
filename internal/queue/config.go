package queue

import (
	"fmt"
	"time"

	"github.com/cartograph-io/cartograph/internal/config"
)

// Default configuration values.
const (
	defaultKeyPrefix        = "cartograph:q:"
	defaultVisibility       = 30 * time.Second
	defaultDedupTTL         = time.Hour
	defaultBackpressureHigh = 1000
	defaultBackpressureLow  = 500
	defaultReserveTimeout   = 10 * time.Second
)

// Config holds queue broker configuration. RedisAddr empty selects the
// in-memory broker; anything else selects Redis.
type Config struct {
	// RedisAddr is the host:port of the Redis server, empty for in-memory.
	RedisAddr string

	// RedisPassword authenticates against Redis when set.
	RedisPassword string

	// RedisDB selects the Redis logical database.
	RedisDB int

	// KeyPrefix namespaces every broker key in Redis.
	KeyPrefix string

	// Visibility is the default lease duration workers pass to Reserve.
	Visibility time.Duration

	// DedupTTL is how long an idempotency key blocks re-enqueue of the
	// same job.
	DedupTTL time.Duration

	// MaxAttempts is the broker default for jobs that do not carry their
	// own cap.
	MaxAttempts int

	// ReserveTimeout bounds a single Reserve round trip against Redis.
	ReserveTimeout time.Duration

	// BackpressureHigh is the queue depth at which producers must pause.
	BackpressureHigh int64

	// BackpressureLow is the depth at which paused producers resume.
	BackpressureLow int64
}

// LoadConfig loads queue configuration from environment variables with
// sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisAddr:        config.GetEnvStr("CARTOGRAPH_REDIS_ADDR", ""),
		RedisPassword:    config.GetEnvStr("CARTOGRAPH_REDIS_PASSWORD", ""),
		RedisDB:          config.GetEnvInt("CARTOGRAPH_REDIS_DB", 0),
		KeyPrefix:        config.GetEnvStr("CARTOGRAPH_QUEUE_PREFIX", defaultKeyPrefix),
		Visibility:       config.GetEnvDuration("CARTOGRAPH_QUEUE_VISIBILITY", defaultVisibility),
		DedupTTL:         config.GetEnvDuration("CARTOGRAPH_QUEUE_DEDUP_TTL", defaultDedupTTL),
		MaxAttempts:      config.GetEnvInt("CARTOGRAPH_QUEUE_MAX_ATTEMPTS", DefaultMaxAttempts),
		ReserveTimeout:   config.GetEnvDuration("CARTOGRAPH_QUEUE_RESERVE_TIMEOUT", defaultReserveTimeout),
		BackpressureHigh: config.GetEnvInt64("CARTOGRAPH_BACKPRESSURE_HIGH", defaultBackpressureHigh),
		BackpressureLow:  config.GetEnvInt64("CARTOGRAPH_BACKPRESSURE_LOW", defaultBackpressureLow),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("queue configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.KeyPrefix == "" {
		return fmt.Errorf("key prefix cannot be empty")
	}

	if c.Visibility <= 0 {
		return fmt.Errorf("visibility timeout must be positive, got %s", c.Visibility)
	}

	if c.DedupTTL <= 0 {
		return fmt.Errorf("dedup TTL must be positive, got %s", c.DedupTTL)
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}

	if c.ReserveTimeout <= 0 {
		return fmt.Errorf("reserve timeout must be positive, got %s", c.ReserveTimeout)
	}

	if c.BackpressureLow >= c.BackpressureHigh {
		return fmt.Errorf(
			"backpressure low watermark %d must be below high watermark %d",
			c.BackpressureLow, c.BackpressureHigh,
		)
	}

	return nil
}

// String returns a loggable representation of the configuration.
func (c *Config) String() string {
	broker := "memory"
	if c.RedisAddr != "" {
		broker = c.RedisAddr
	}

	return fmt.Sprintf(
		"Config{Broker: %s, Visibility: %s, MaxAttempts: %d, Backpressure: %d/%d}",
		broker, c.Visibility, c.MaxAttempts, c.BackpressureHigh, c.BackpressureLow,
	)
}
