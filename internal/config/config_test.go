package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 20000, cfg.VM.PortRangeStart)
	assert.Equal(t, int64(10), cfg.Credits.HourlyRate)
	assert.Equal(t, 30*time.Second, cfg.Terminal.SweepInterval)

	mem, err := cfg.DefaultMemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), mem)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("VM_PORT_RANGE_START", "30000")
	t.Setenv("VM_PORT_RANGE_END", "30010")
	t.Setenv("CREDITS_HOURLY_RATE", "25")
	t.Setenv("VM_ALLOWED_IMAGES", "ubuntu:24.04, alpine:3 ,")
	t.Setenv("SESSION_SWEEP_INTERVAL", "10s")
	t.Setenv("AUTO_STOP_EXHAUSTED", "off")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30000, cfg.VM.PortRangeStart)
	assert.Equal(t, 30010, cfg.VM.PortRangeEnd)
	assert.Equal(t, int64(25), cfg.Credits.HourlyRate)
	assert.Equal(t, []string{"ubuntu:24.04", "alpine:3"}, cfg.VM.AllowedImages)
	assert.Equal(t, 10*time.Second, cfg.Terminal.SweepInterval)
	assert.False(t, cfg.VM.AutoStopExhausted)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := `
port: "9090"
vm:
  quota_per_user: 5
  default_image: "alpine:3"
  reconcile_interval: 2m
credits:
  hourly_rate: 7
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7070")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, 5, cfg.VM.QuotaPerUser)
	assert.Equal(t, "alpine:3", cfg.VM.DefaultImage)
	assert.Equal(t, 2*time.Minute, cfg.VM.ReconcileInterval)
	assert.Equal(t, int64(7), cfg.Credits.HourlyRate)
	// Untouched keys keep their defaults.
	assert.Equal(t, 20999, cfg.VM.PortRangeEnd)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"inverted range", func(c *Config) { c.VM.PortRangeStart, c.VM.PortRangeEnd = 2000, 1000 }},
		{"range above 65535", func(c *Config) { c.VM.PortRangeEnd = 70000 }},
		{"zero quota", func(c *Config) { c.VM.QuotaPerUser = 0 }},
		{"zero rate", func(c *Config) { c.Credits.HourlyRate = 0 }},
		{"bad memory", func(c *Config) { c.VM.DefaultMemory = "lots" }},
		{"default above max", func(c *Config) { c.VM.DefaultMemory = "4g" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Defaults().Validate())
}

func TestIsDevelopment(t *testing.T) {
	cfg := Defaults()
	assert.True(t, cfg.IsDevelopment())

	cfg.FrontendURL = "https://vms.example.com"
	assert.False(t, cfg.IsDevelopment())
}
