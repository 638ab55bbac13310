package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:8700", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.TurnBudget)
	assert.Contains(t, cfg.Modules, "erp")
	assert.Contains(t, cfg.Modules, "content")
	assert.Contains(t, cfg.Modules, "stock")
}

func TestValidateCatchesBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"zero turn budget", func(c *Config) { c.Orchestrator.TurnBudget = 0 }},
		{"confidence above 1", func(c *Config) { c.Orchestrator.RouteMinConfidence = 1.5 }},
		{"no retrieval endpoints", func(c *Config) { c.Retrieval.Endpoints = nil }},
		{"zero top_k", func(c *Config) { c.Retrieval.TopK = 0 }},
		{"empty module registry", func(c *Config) { c.Modules = nil }},
		{"module without base_url", func(c *Config) {
			c.Modules["erp"] = ModuleConfig{Timeout: time.Second}
		}},
		{"critical below warn", func(c *Config) {
			c.Resource.WarnPercent = 90
			c.Resource.CriticalPercent = 80
		}},
		{"sample rate above 1", func(c *Config) { c.Monitor.SampleRate = 2 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromPathCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	_, err = os.Stat(path)
	assert.NoError(t, err, "a default config file should have been written")
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
}

func TestLoadFromPathReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Server.Addr = "127.0.0.1:9999"
	cfg.Retrieval.TopK = 9
	require.NoError(t, cfg.SaveToPath(path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", loaded.Server.Addr)
	assert.Equal(t, 9, loaded.Retrieval.TopK)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CONDUCTOR_LOGGING_LEVEL", "debug")

	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".conductor"), expandPath("~/.conductor"))
	assert.Equal(t, "/var/lib/conductor", expandPath("/var/lib/conductor"))
}
