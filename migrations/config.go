package migrations

import (
	"fmt"
	"strings"

	"github.com/cartograph-io/cartograph/internal/config"
)

const defaultBusyTimeoutMs = 5000

// Config holds all configuration for the migration system.
type Config struct {
	// DatabasePath is the SQLite database file path
	DatabasePath string

	// MigrationTable is the name of the table to track migrations
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabasePath:   config.GetEnvStr("CARTOGRAPH_DB_PATH", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("CARTOGRAPH_DB_PATH cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// DSN returns the SQLite connection string for the configured database path.
// A busy timeout is always set so migrations wait for concurrent writers
// instead of failing immediately with a locked database.
func (c *Config) DSN() string {
	if strings.Contains(c.DatabasePath, "?") {
		return c.DatabasePath
	}

	return fmt.Sprintf("file:%s?_busy_timeout=%d", c.DatabasePath, defaultBusyTimeoutMs)
}

// String returns a string representation of the configuration (safe for logging).
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabasePath: %s, MigrationTable: %s}",
		c.DatabasePath, c.MigrationTable)
}
