package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 60*time.Second, cfg.Workers.HeartbeatTimeout)
	require.Equal(t, 1024, cfg.Events.QueueSize)
	require.True(t, cfg.Store.DualWrite)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chimera.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
store:
  driver: postgres
  dsn: postgres://localhost/chimera
workers:
  heartbeat_timeout: 15s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "postgres", cfg.Store.Driver)
	require.Equal(t, 15*time.Second, cfg.Workers.HeartbeatTimeout)
	// untouched keys keep their defaults
	require.Equal(t, "localhost", cfg.Server.Host)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("CHIMERA_SERVER_PORT", "7070")
	t.Setenv("CHIMERA_STORE_DUAL_WRITE", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.False(t, cfg.Store.DualWrite)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "postgres"
	require.Error(t, cfg.Validate())
	cfg.Store.DSN = "postgres://localhost/chimera"
	require.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Store.Driver = "sqlite"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())

	missing := filepath.Join(t.TempDir(), "nope.yaml")
	_, err := Load(missing)
	require.Error(t, err)
}
