package pipeline

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

	t.Setenv("TARGET_DIR", "/tmp/project")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/project", cfg.TargetDir)
	assert.Empty(t, cfg.RunID)
	assert.Equal(t, defaultArtifactName, cfg.ArtifactPath)
	assert.Equal(t, defaultPollInterval, cfg.PollInterval)
	assert.Equal(t, defaultSettleChecks, cfg.SettleChecks)
	assert.Equal(t, defaultEnqueueWait, cfg.EnqueueWait)
	assert.Equal(t, int64(defaultBackpressureHigh), cfg.BackpressureHigh)
	assert.Equal(t, int64(defaultBackpressureLow), cfg.BackpressureLow)
	assert.False(t, cfg.StopOnFatalDependency)
}

func TestLoadConfigOverrides(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("TARGET_DIR", "/srv/repo")
	t.Setenv("RUN_ID", "run-42")
	t.Setenv("CARTOGRAPH_ARTIFACT_PATH", "/tmp/out.json")
	t.Setenv("CARTOGRAPH_PIPELINE_POLL_INTERVAL", "250ms")
	t.Setenv("CARTOGRAPH_PIPELINE_SETTLE_CHECKS", "5")
	t.Setenv("CARTOGRAPH_BACKPRESSURE_HIGH", "200")
	t.Setenv("CARTOGRAPH_BACKPRESSURE_LOW", "50")
	t.Setenv("CARTOGRAPH_STOP_ON_FATAL_DEPENDENCY", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "run-42", cfg.RunID)
	assert.Equal(t, "/tmp/out.json", cfg.ArtifactPath)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5, cfg.SettleChecks)
	assert.Equal(t, int64(200), cfg.BackpressureHigh)
	assert.Equal(t, int64(50), cfg.BackpressureLow)
	assert.True(t, cfg.StopOnFatalDependency)
}

func TestConfigValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := func() *Config {
		return &Config{
			TargetDir:        "/srv/repo",
			PollInterval:     time.Second,
			SettleChecks:     3,
			EnqueueWait:      100 * time.Millisecond,
			BackpressureHigh: 100,
			BackpressureLow:  50,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing target", func(c *Config) { c.TargetDir = "" }, "target directory is required"},
		{"relative target", func(c *Config) { c.TargetDir = "repo" }, "must be absolute"},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, "poll interval"},
		{"zero settle checks", func(c *Config) { c.SettleChecks = 0 }, "settle checks"},
		{"zero enqueue wait", func(c *Config) { c.EnqueueWait = 0 }, "enqueue wait"},
		{"inverted watermarks", func(c *Config) { c.BackpressureLow = 100 }, "watermark"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
