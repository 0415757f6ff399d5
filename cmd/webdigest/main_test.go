package main

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/webdigest/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Cache.Directory = filepath.Join(t.TempDir(), "cache")
	return cfg
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := rootCmd()

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"summarize", "config", "cache", "version"} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestSummarizeCmd_RequiresTarget(t *testing.T) {
	cmd := rootCmd()
	cmd.SetArgs([]string{"summarize"})
	err := cmd.Execute()
	require.Error(t, err)
}

func TestSetup_LogLevels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelWarn},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			_, logger, err := setup(&rootFlags{logLevel: tt.level})
			require.NoError(t, err)
			assert.True(t, logger.Enabled(t.Context(), tt.want))
			assert.False(t, logger.Enabled(t.Context(), tt.want-1))
		})
	}
}

func TestSetup_ConfigFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.DefaultConfig()
	cfg.Fetch.UserAgent = "custom-agent"
	require.NoError(t, cfg.SaveToFile(path))

	loaded, _, err := setup(&rootFlags{configPath: path, logLevel: "warn"})
	require.NoError(t, err)
	assert.Equal(t, "custom-agent", loaded.Fetch.UserAgent)
	// Untouched values keep their defaults.
	assert.Equal(t, config.DefaultConfig().Pool.MaxSize, loaded.Pool.MaxSize)
}

func TestSetup_MissingConfigFile(t *testing.T) {
	_, _, err := setup(&rootFlags{configPath: "/does/not/exist.yaml", logLevel: "warn"})
	require.Error(t, err)
}

func TestNewApp_Wiring(t *testing.T) {
	cfg := testConfig(t)
	cfg.Filesystem.AllowedDirectories = []string{t.TempDir()}

	app, err := NewApp(cfg, slog.Default())
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.store)
	assert.NotNil(t, app.fetcher)
	assert.NotNil(t, app.browserPool)
	assert.NotNil(t, app.watcher)
	assert.NotNil(t, app.pipeline)

	stats := app.CacheStats()
	assert.Equal(t, 0, stats.EntryCount)
}

func TestNewApp_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fetch.MaxConcurrent = 0

	_, err := NewApp(cfg, slog.Default())
	require.Error(t, err)
}

func TestNewApp_NoFilesystemAccessByDefault(t *testing.T) {
	cfg := testConfig(t)
	require.Empty(t, cfg.Filesystem.AllowedDirectories)

	app, err := NewApp(cfg, slog.Default())
	require.NoError(t, err)
	defer app.Close()
	assert.Nil(t, app.watcher)
}

func TestAppClose_Idempotent(t *testing.T) {
	app, err := NewApp(testConfig(t), slog.Default())
	require.NoError(t, err)
	app.Close()
	app.Close()
}

func TestDefaultConfigTimeoutsArePositive(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Greater(t, cfg.Fetch.Timeout, time.Duration(0))
	assert.Greater(t, cfg.Fetch.BrowserTimeout, time.Duration(0))
	assert.Greater(t, cfg.LLM.Timeout, time.Duration(0))
}
