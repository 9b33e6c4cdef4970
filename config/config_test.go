package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Relays)
	assert.Equal(t, 500*time.Millisecond, cfg.CmdPollInterval)
	assert.Equal(t, 3, cfg.QueueMaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.QueueTTL)
}

func TestLoadParsesTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
data_dir = "/tmp/agent"
relays = ["wss://relay.one", "wss://relay.two"]
log_level = "debug"
queue_max_size = 42
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/agent", cfg.DataDir)
	assert.Equal(t, []string{"wss://relay.one", "wss://relay.two"}, cfg.Relays)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 42, cfg.QueueMaxSize)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`log_level = "info"`), 0o600))

	t.Setenv("LOG_LEVEL", "warn")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestEnvOverridesReadContainerContractVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(``), 0o600))

	t.Setenv("AGENT_NAME", "probe-agent")
	t.Setenv("AGENT_PULSE_EPHEMERAL", "true")
	t.Setenv("NODE_ENV", "test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "probe-agent", cfg.AgentName)
	assert.True(t, cfg.Ephemeral)
	assert.Equal(t, "test", cfg.NodeEnv)
}

func TestMissingNumericFieldsFallBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`relays = ["wss://only.relay"]`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://only.relay"}, cfg.Relays)
	assert.Equal(t, 2.0, cfg.QueueFactor)
	assert.Equal(t, 30, cfg.StorageKeyRotationDays)
}
