package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychesim/dynamics/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "psyche", cfg.Store.Prefix)
	assert.Equal(t, 20, cfg.Analysis.HistoryWindow)
	assert.Equal(t, 0.6, cfg.Topology.EmergencyThreshold)
	assert.False(t, cfg.Graph.Enabled)
	assert.Equal(t, 10*time.Minute, cfg.Retention.Interval)
	assert.True(t, cfg.Session.PersistMessages)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
store:
  url: redis://cache:6379/2
  default_ttl: 30m
analysis:
  history_window: 8
topology:
  path_switch_delay: 3
journal:
  enabled: true
  in_memory: true
graph:
  enabled: true
  alpha_url: dgraph:9080
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "redis://cache:6379/2", cfg.Store.URL)
	assert.Equal(t, 30*time.Minute, cfg.Store.DefaultTTL)
	assert.Equal(t, "psyche", cfg.Store.Prefix)
	assert.Equal(t, 8, cfg.Analysis.HistoryWindow)
	assert.Equal(t, 3, cfg.Topology.PathSwitchDelay)
	assert.Len(t, cfg.Topology.AllowedEdges, 10)
	assert.True(t, cfg.Journal.InMemory)
	assert.True(t, cfg.Graph.Enabled)
	assert.Equal(t, "dgraph:9080", cfg.Graph.AlphaURL)
	assert.Equal(t, 5*time.Second, cfg.Graph.Timeout)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed yaml", "store: [unterminated"},
		{"thresholds inverted", "topology:\n  emergency_threshold: 0.9\n  critical_threshold: 0.5\n"},
		{"threshold out of range", "topology:\n  critical_threshold: 1.5\n"},
		{"zero delay", "topology:\n  path_switch_delay: 0\n"},
		{"zero window", "analysis:\n  history_window: 0\n"},
		{"empty prefix", "store:\n  prefix: \"\"\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"negative retention interval", "retention:\n  interval: -1m\n"},
		{"retention without max age", "retention:\n  interval: 1m\n  max_age: 0s\n"},
		{"negative recent messages", "session:\n  recent_messages: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			var cfgErr *models.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PSYCHE_REDIS_URL", "redis://env:6379/1")
	t.Setenv("PSYCHE_PREFIX", "sim")
	t.Setenv("PSYCHE_LOG_LEVEL", "warn")
	t.Setenv("PSYCHE_POOL_SIZE", "7")
	t.Setenv("PSYCHE_HISTORY_WINDOW", "12")
	t.Setenv("PSYCHE_MAX_QUEUE_SIZE", "5")
	t.Setenv("PSYCHE_PATH_SWITCH_DELAY", "4")
	t.Setenv("PSYCHE_EMERGENCY_THRESHOLD", "0.5")
	t.Setenv("PSYCHE_CRITICAL_THRESHOLD", "0.9")
	t.Setenv("PSYCHE_DGRAPH_ALPHA", "alpha:9080")
	t.Setenv("PSYCHE_JOURNAL_PATH", "/tmp/journal")
	t.Setenv("PSYCHE_AUDIT_PATH", "/tmp/audit.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "redis://env:6379/1", cfg.Store.URL)
	assert.Equal(t, "sim", cfg.Store.Prefix)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.Store.PoolSize)
	assert.Equal(t, 12, cfg.Analysis.HistoryWindow)
	assert.Equal(t, 5, cfg.Topology.MaxQueueSize)
	assert.Equal(t, 4, cfg.Topology.PathSwitchDelay)
	assert.Equal(t, 0.5, cfg.Topology.EmergencyThreshold)
	assert.Equal(t, 0.9, cfg.Topology.CriticalThreshold)
	assert.True(t, cfg.Graph.Enabled)
	assert.Equal(t, "alpha:9080", cfg.Graph.AlphaURL)
	assert.Equal(t, "/tmp/journal", cfg.Journal.Path)
	assert.Equal(t, "/tmp/audit.db", cfg.Audit.Path)
}

func TestEnvOverrideParseErrors(t *testing.T) {
	t.Run("integer", func(t *testing.T) {
		t.Setenv("PSYCHE_POOL_SIZE", "many")
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		var cfgErr *models.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "PSYCHE_POOL_SIZE", cfgErr.Field)
	})

	t.Run("float", func(t *testing.T) {
		t.Setenv("PSYCHE_CRITICAL_THRESHOLD", "high")
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		var cfgErr *models.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "PSYCHE_CRITICAL_THRESHOLD", cfgErr.Field)
	})
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Store.Prefix = "saved"
	cfg.Topology.PathSwitchDelay = 5
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("config changed across save/load (-saved +loaded):\n%s", diff)
	}
}
