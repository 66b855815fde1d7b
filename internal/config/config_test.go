package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/taqo/test"
)

func TestLoadDefaultAndFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NotZero(t, cfg.Insights.BestRatioWarning)

	root := test.RootPath(t)
	cfg, err = Load(filepath.Join(root, "samples", "config.example.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Dialect)
	assert.Equal(t, 5432, cfg.Connection.Port)
	assert.Equal(t, 3, cfg.NumRetries)
	assert.Equal(t, 2*time.Second, cfg.SkipTimeoutDelta)
	assert.Equal(t, 30*time.Second, cfg.TestQueryTimeout)
	assert.Equal(t, 4, cfg.AllPairsThreshold)
	assert.True(t, cfg.ExitOnFail)
	assert.Equal(t, "on", cfg.SessionProps["enable_hashjoin"])
	assert.Equal(t, 12, cfg.Diff.MaxItems)
	// untouched keys keep their defaults
	assert.Equal(t, Default().Diff.MinDeltaMs, cfg.Diff.MinDeltaMs)
	assert.True(t, cfg.Optimizations)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(os.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"num_retries": 0}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "num_retries")
}

func TestSerializeRedactsPassword(t *testing.T) {
	cfg := Default()
	cfg.Connection.Password = "hunter2"
	cfg.SessionProps = map[string]string{"work_mem": "64MB"}

	out, err := cfg.Serialize()
	require.NoError(t, err)
	assert.False(t, strings.Contains(out, "hunter2"))
	assert.Contains(t, out, "<redacted>")
	assert.Contains(t, out, "work_mem")

	// the receiver is not modified
	assert.Equal(t, "hunter2", cfg.Connection.Password)
	redacted := cfg.Redacted()
	redacted.SessionProps["work_mem"] = "1MB"
	assert.Equal(t, "64MB", cfg.SessionProps["work_mem"])
}
