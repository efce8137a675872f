package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWithDefaultsFillsZeroValues(t *testing.T) {
	c := Config{}.WithDefaults()
	require.Equal(t, DefaultDataRoot, c.DataRoot)
	require.Equal(t, DefaultMaxSessions, c.MaxSessions)
	require.Equal(t, DefaultMemorySampleInterval, c.MemorySampleInterval)
	require.Equal(t, DefaultNetworkRateLimitPerSecond, c.NetworkRateLimitPerSecond)
}

func TestWithDefaultsPreservesExplicitValues(t *testing.T) {
	c := Config{MaxSessions: 10, MemorySampleInterval: 2 * time.Second}.WithDefaults()
	require.Equal(t, 10, c.MaxSessions)
	require.Equal(t, 2*time.Second, c.MemorySampleInterval)
	require.Equal(t, DefaultDataRoot, c.DataRoot, "untouched fields still get their default")
}

func TestLoadParsesYAMLAndFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_sessions: 5\ndata_root: /tmp/bf\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, c.MaxSessions)
	require.Equal(t, "/tmp/bf", c.DataRoot)
	require.Equal(t, DefaultMemorySampleInterval, c.MemorySampleInterval)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
