package graph

import (
	"fmt"
	"time"

	"github.com/cartograph-io/cartograph/internal/config"
)

// Default configuration values.
const (
	defaultBatchTimeout = 60 * time.Second
	defaultBusyTimeout  = 5 * time.Second
)

// Config holds SQLite sink configuration.
type Config struct {
	// Path is the graph database file path. Kept separate from the
	// pipeline's own database so the graph survives run-state resets.
	Path string

	// WALEnabled turns on write-ahead logging.
	WALEnabled bool

	// BusyTimeout is how long a connection waits on a locked database.
	BusyTimeout time.Duration

	// BatchTimeout bounds a single UpsertBatch call end to end.
	BatchTimeout time.Duration
}

// LoadConfig loads graph sink configuration from environment variables with
// sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Path:         config.GetEnvStr("CARTOGRAPH_GRAPH_DB_PATH", ""),
		WALEnabled:   config.GetEnvBool("CARTOGRAPH_GRAPH_WAL_ENABLED", true),
		BusyTimeout:  config.GetEnvDuration("CARTOGRAPH_GRAPH_BUSY_TIMEOUT", defaultBusyTimeout),
		BatchTimeout: config.GetEnvDuration("CARTOGRAPH_GRAPH_BATCH_TIMEOUT", defaultBatchTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("graph configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("graph database path cannot be empty")
	}

	if c.BusyTimeout <= 0 {
		return fmt.Errorf("busy timeout must be positive, got %s", c.BusyTimeout)
	}

	if c.BatchTimeout <= 0 {
		return fmt.Errorf("batch timeout must be positive, got %s", c.BatchTimeout)
	}

	return nil
}

// DSN returns the SQLite connection string with the same pragma set the
// pipeline store uses.
func (c *Config) DSN() string {
	journalMode := "DELETE"
	if c.WALEnabled {
		journalMode = "WAL"
	}

	return fmt.Sprintf(
		"file:%s?_journal_mode=%s&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=on",
		c.Path, journalMode, c.BusyTimeout.Milliseconds(),
	)
}

// String returns a loggable representation of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Path: %s, WAL: %t, BusyTimeout: %s, BatchTimeout: %s}",
		c.Path, c.WALEnabled, c.BusyTimeout, c.BatchTimeout,
	)
}
