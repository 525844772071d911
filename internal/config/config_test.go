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
	require.NoError(t, Default().Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvPort, "5000")
	t.Setenv(EnvAnnounceInterval, "200ms")
	t.Setenv(EnvLivenessTimeout, "1s")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvDedupWindow, "128")
	t.Setenv(EnvDedupTTL, "30s")

	c, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 5000, c.Port)
	assert.Equal(t, 200*time.Millisecond, c.AnnounceInterval)
	assert.Equal(t, time.Second, c.LivenessTimeout)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 128, c.DedupWindow)
	assert.Equal(t, 30*time.Second, c.DedupTTL)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huddle.env")
	require.NoError(t, os.WriteFile(path, []byte("HUDDLE_JOIN_TIMEOUT=750ms\nHUDDLE_METRICS_ADDR=127.0.0.1:9100\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv(EnvJoinTimeout)
		os.Unsetenv(EnvMetricsAddr)
	})

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, c.JoinTimeout)
	assert.Equal(t, "127.0.0.1:9100", c.MetricsAddr)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv(EnvJoinTimeout, "soon")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"liveness too short", func(c *Config) { c.LivenessTimeout = c.AnnounceInterval }},
		{"unicast group", func(c *Config) { c.MulticastGroup = "10.0.0.1" }},
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"bad level", func(c *Config) { c.LogLevel = "chatty" }},
		{"zero join timeout", func(c *Config) { c.JoinTimeout = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mod(&c)
			assert.Error(t, c.Validate())
		})
	}
}
