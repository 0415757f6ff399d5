package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 7*24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 512, cfg.Chunk.TargetTokens)
	assert.Equal(t, 50, cfg.Chunk.OverlapTokens)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero fetch timeout", func(c *Config) { c.Fetch.Timeout = 0 }},
		{"zero fetch concurrency", func(c *Config) { c.Fetch.MaxConcurrent = 0 }},
		{"empty cache dir", func(c *Config) { c.Cache.Directory = "" }},
		{"zero cache cap", func(c *Config) { c.Cache.MaxBytes = 0 }},
		{"zero pool size", func(c *Config) { c.Pool.MaxSize = 0 }},
		{"overlap >= target", func(c *Config) { c.Chunk.OverlapTokens = c.Chunk.TargetTokens }},
		{"no endpoints", func(c *Config) { c.LLM.Endpoints = nil }},
		{"endpoint missing model", func(c *Config) { c.LLM.Endpoints[0].Model = "" }},
		{"temperature out of range", func(c *Config) { c.LLM.Temperature = 1.5 }},
		{"zero max file bytes", func(c *Config) { c.Filesystem.MaxFileBytes = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile_UnknownKeyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webdigest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fetch:\n  timeout: 10s\n  max_parallel: 9\n"), 0644))

	_, err := LoadFromFile(path)
	require.Error(t, err, "unrecognized options must fail construction")
}

func TestLoadFromFile_MergeOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webdigest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
fetch:
  timeout: 5s
cache:
  max_bytes: 1024
filesystem:
  allowed_directories:
    - /docs
`), 0644))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Merge(loaded)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, int64(1024), cfg.Cache.MaxBytes)
	assert.Equal(t, []string{"/docs"}, cfg.Filesystem.AllowedDirectories)
	// Untouched values keep their defaults.
	assert.Equal(t, 2, cfg.Pool.MaxSize)
}

func TestMerge_NilIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	before := *cfg
	cfg.Merge(nil)
	assert.Equal(t, before.Fetch, cfg.Fetch)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Fetch.MaxConcurrent = 9
	require.NoError(t, cfg.SaveToFile(path))

	reloaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9, reloaded.Fetch.MaxConcurrent)
}
