package storage

import (
	"fmt"
	"time"

	"github.com/cartograph-io/cartograph/internal/config"
)

// Default configuration values.
const (
	defaultBusyTimeout     = 5 * time.Second
	defaultMaxReadConns    = 4
	defaultConnMaxLifetime = 30 * time.Minute
	defaultBatchSize       = 500
	defaultMigrationTable  = "schema_migrations"
	defaultStaleSessionAge = 30 * time.Minute
)

// Config holds storage configuration.
//
// The busy timeout must stay at or above five seconds: concurrent writers
// briefly lock the whole database, and giving up earlier turns routine
// contention into spurious failures.
type Config struct {
	// Path is the SQLite database file path.
	Path string

	// WALEnabled turns on write-ahead logging. On in production; tests may
	// disable it for in-memory databases.
	WALEnabled bool

	// BusyTimeout is how long a connection waits on a locked database.
	BusyTimeout time.Duration

	// MaxReadConns bounds the read-only connection pool used for long scans.
	MaxReadConns int

	// ConnMaxLifetime recycles pooled connections after this duration.
	ConnMaxLifetime time.Duration

	// BatchSize is the default row count per multi-row INSERT statement.
	BatchSize int

	// MigrationTable is the golang-migrate tracking table name.
	MigrationTable string

	// NormalizeOnStartup gates the integrity normalization passes that
	// rewrite rows left behind by older schema versions or crashes.
	NormalizeOnStartup bool

	// StaleSessionAge is the cutoff past which non-terminal triangulation
	// sessions are demoted to FAILED during normalization.
	StaleSessionAge time.Duration
}

// LoadConfig loads storage configuration from environment variables with
// sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Path:               config.GetEnvStr("CARTOGRAPH_DB_PATH", ""),
		WALEnabled:         config.GetEnvBool("CARTOGRAPH_WAL_ENABLED", true),
		BusyTimeout:        config.GetEnvDuration("CARTOGRAPH_DB_BUSY_TIMEOUT", defaultBusyTimeout),
		MaxReadConns:       config.GetEnvInt("CARTOGRAPH_DB_MAX_READ_CONNS", defaultMaxReadConns),
		ConnMaxLifetime:    config.GetEnvDuration("CARTOGRAPH_DB_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		BatchSize:          config.GetEnvInt("CARTOGRAPH_DB_BATCH_SIZE", defaultBatchSize),
		MigrationTable:     config.GetEnvStr("MIGRATION_TABLE", defaultMigrationTable),
		NormalizeOnStartup: config.GetEnvBool("CARTOGRAPH_NORMALIZE_ON_START", false),
		StaleSessionAge:    config.GetEnvDuration("CARTOGRAPH_STALE_SESSION_AGE", defaultStaleSessionAge),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("storage configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if c.BusyTimeout < defaultBusyTimeout {
		return fmt.Errorf("busy timeout %s below minimum %s", c.BusyTimeout, defaultBusyTimeout)
	}

	if c.MaxReadConns < 1 {
		return fmt.Errorf("max read connections must be at least 1, got %d", c.MaxReadConns)
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("migration table cannot be empty")
	}

	return nil
}

// DSN returns the SQLite connection string with the pragmas the pipeline
// requires: WAL journaling (when enabled), NORMAL synchronous mode, the busy
// timeout, and enforced foreign keys.
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
		"Config{Path: %s, WAL: %t, BusyTimeout: %s, MaxReadConns: %d, Normalize: %t}",
		c.Path, c.WALEnabled, c.BusyTimeout, c.MaxReadConns, c.NormalizeOnStartup,
	)
}
