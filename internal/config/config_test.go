package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "claude", cfg.Agent.Binary)
	assert.Equal(t, 50*1024, cfg.Invocation.FileInputThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Invocation.Timeout)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Session.SweepInterval)
	assert.Equal(t, "stream-json", cfg.Invocation.StreamFormat)
	assert.False(t, cfg.IsMock())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AGENTBRIDGE_SERVER_PORT", "9100")
	t.Setenv("AGENTBRIDGE_SESSION_TTL", "30m")
	t.Setenv("AGENTBRIDGE_MODE", "mock")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.True(t, cfg.IsMock())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentbridge.yaml")
	content := "invocation:\n  file_input_threshold: 1024\n  timeout: 30s\nsession:\n  ttl: 2m\n  sweep_interval: 10m\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Invocation.FileInputThreshold)
	assert.Equal(t, 30*time.Second, cfg.Invocation.Timeout)
	// sweep interval is clamped to the TTL
	assert.Equal(t, 2*time.Minute, cfg.Session.SweepInterval)
}

func TestValidateRejectsUnknownStreamFormat(t *testing.T) {
	t.Setenv("AGENTBRIDGE_INVOCATION_STREAM_FORMAT", "xml")

	_, err := Load(viper.New(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream_format")
}
