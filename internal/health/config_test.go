package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.GlobalInterval)
	assert.Equal(t, 60*time.Second, cfg.WorkerInterval)
	assert.Equal(t, 120*time.Second, cfg.DependencyInterval)
	assert.Equal(t, 10*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 3, cfg.UnhealthyThreshold)
	assert.Equal(t, 2, cfg.RecoveryThreshold)
	assert.Equal(t, 5*time.Minute, cfg.AlertCooldown)
}

func TestLoadConfigOverrides(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("CARTOGRAPH_HEALTH_GLOBAL_INTERVAL", "5s")
	t.Setenv("CARTOGRAPH_HEALTH_UNHEALTHY_THRESHOLD", "7")
	t.Setenv("CARTOGRAPH_HEALTH_ALERT_COOLDOWN", "90s")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.GlobalInterval)
	assert.Equal(t, 7, cfg.UnhealthyThreshold)
	assert.Equal(t, 90*time.Second, cfg.AlertCooldown)
}

func TestConfigValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero global interval", func(c *Config) { c.GlobalInterval = 0 }},
		{"zero worker interval", func(c *Config) { c.WorkerInterval = 0 }},
		{"zero dependency interval", func(c *Config) { c.DependencyInterval = 0 }},
		{"zero probe timeout", func(c *Config) { c.ProbeTimeout = 0 }},
		{"zero unhealthy threshold", func(c *Config) { c.UnhealthyThreshold = 0 }},
		{"zero recovery threshold", func(c *Config) { c.RecoveryThreshold = 0 }},
		{"negative cooldown", func(c *Config) { c.AlertCooldown = -time.Second }},
		{"zero history", func(c *Config) { c.MaxHistory = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
