package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 30000, cfg.Resolver.InitialWindowMs)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anr.yaml")
	content := `
resolver:
  hop_window_ms: 15000
  reference_year: 2023
output:
  dir: /tmp/anr
batch:
  workers: 8
log:
  level: debug
  json: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30000, cfg.Resolver.InitialWindowMs, "unset keys keep defaults")
	assert.Equal(t, 15000, cfg.Resolver.HopWindowMs)
	assert.Equal(t, 2023, cfg.Resolver.ReferenceYear)
	assert.Equal(t, "/tmp/anr", cfg.Output.Dir)
	assert.Equal(t, 8, cfg.Batch.Workers)
	assert.True(t, cfg.Log.JSON)

	opts := cfg.ResolverOptions(nil)
	assert.Equal(t, 30*time.Second, opts.InitialWindow)
	assert.Equal(t, 15*time.Second, opts.HopWindow)
	assert.Equal(t, 2023, opts.RefYear)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resolver:\n  max_depth: 10\n"), 0o600))
	t.Setenv("ANR_MAX_DEPTH", "5")
	t.Setenv("ANR_METRICS_ADDR", ":9102")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Resolver.MaxDepth)
	assert.Equal(t, ":9102", cfg.Metrics.Addr)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resolver: [not, a, map]\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "log.level")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"initial window", func(c *Config) { c.Resolver.InitialWindowMs = 0 }},
		{"hop window", func(c *Config) { c.Resolver.HopWindowMs = -1 }},
		{"max depth", func(c *Config) { c.Resolver.MaxDepth = 0 }},
		{"reference year", func(c *Config) { c.Resolver.ReferenceYear = -2 }},
		{"workers", func(c *Config) { c.Batch.Workers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())

	cfg := Default()
	cfg.Resolver.MaxDepth = 0
	assert.ErrorContains(t, cfg.Validate(), "resolver.max_depth must satisfy gt=0")
}
