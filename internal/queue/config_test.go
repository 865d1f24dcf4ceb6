package queue

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.RedisAddr != "" {
		t.Errorf("RedisAddr = %q, want empty (memory broker)", cfg.RedisAddr)
	}
	if cfg.KeyPrefix != "cartograph:q:" {
		t.Errorf("KeyPrefix = %q, want cartograph:q:", cfg.KeyPrefix)
	}
	if cfg.Visibility != 30*time.Second {
		t.Errorf("Visibility = %v, want 30s", cfg.Visibility)
	}
	if cfg.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", cfg.MaxAttempts, DefaultMaxAttempts)
	}
	if cfg.BackpressureHigh != 1000 || cfg.BackpressureLow != 500 {
		t.Errorf("Backpressure = %d/%d, want 1000/500", cfg.BackpressureHigh, cfg.BackpressureLow)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("CARTOGRAPH_REDIS_ADDR", "redis:6379")
	t.Setenv("CARTOGRAPH_REDIS_DB", "3")
	t.Setenv("CARTOGRAPH_QUEUE_VISIBILITY", "45s")
	t.Setenv("CARTOGRAPH_QUEUE_MAX_ATTEMPTS", "7")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.RedisAddr != "redis:6379" {
		t.Errorf("RedisAddr = %q, want redis:6379", cfg.RedisAddr)
	}
	if cfg.RedisDB != 3 {
		t.Errorf("RedisDB = %d, want 3", cfg.RedisDB)
	}
	if cfg.Visibility != 45*time.Second {
		t.Errorf("Visibility = %v, want 45s", cfg.Visibility)
	}
	if cfg.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", cfg.MaxAttempts)
	}
}

func TestConfigValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := func() *Config {
		return &Config{
			KeyPrefix:        "q:",
			Visibility:       30 * time.Second,
			DedupTTL:         time.Hour,
			MaxAttempts:      5,
			ReserveTimeout:   10 * time.Second,
			BackpressureHigh: 1000,
			BackpressureLow:  500,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty prefix", func(c *Config) { c.KeyPrefix = "" }, "key prefix"},
		{"zero visibility", func(c *Config) { c.Visibility = 0 }, "visibility"},
		{"zero dedup ttl", func(c *Config) { c.DedupTTL = 0 }, "dedup TTL"},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, "max attempts"},
		{"zero reserve timeout", func(c *Config) { c.ReserveTimeout = 0 }, "reserve timeout"},
		{"inverted watermarks", func(c *Config) { c.BackpressureLow = 2000 }, "watermark"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
