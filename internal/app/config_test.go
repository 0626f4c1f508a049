package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, "typerush", cfg.Auth.JWT.Issuer)

	require.Equal(t, 5, cfg.Engine.MaxConnectionsPerIdentity)
	require.Equal(t, 5*time.Second, cfg.Engine.CountdownDuration)
	require.Equal(t, 10*time.Minute, cfg.Engine.TestSessionTTL)
	require.Equal(t, time.Hour, cfg.Engine.RaceWaitingTTL)
	require.Equal(t, 10000, cfg.Engine.KeystrokeLogCap)
	require.Equal(t, 100*time.Millisecond, cfg.Engine.StatsBroadcastMinInterval)
	require.Equal(t, 300, cfg.Engine.MaxWPMCeiling)
	require.Equal(t, 256, cfg.Engine.SendQueueMaxMessages)
	require.Equal(t, 1048576, cfg.Engine.SendQueueMaxBytes)
	require.True(t, cfg.Engine.AllowSpectators)
	require.Equal(t, 30*time.Second, cfg.Engine.RoomEmptyGrace)

	require.Equal(t, "sqlite", cfg.Results.Driver)
	require.True(t, cfg.Monitoring.Prometheus.Enabled)
	require.Equal(t, "/metrics", cfg.Monitoring.Prometheus.Endpoint)
	require.True(t, cfg.Monitoring.Health.Enabled)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	contents := []byte(`
server:
  port: 9100
  log_level: debug
engine:
  countdown_duration: 7s
  max_connections_per_identity: 3
results:
  path: /tmp/results.sqlite
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), contents, 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, 7*time.Second, cfg.Engine.CountdownDuration)
	require.Equal(t, 3, cfg.Engine.MaxConnectionsPerIdentity)
	require.Equal(t, "/tmp/results.sqlite", cfg.Results.Path)
}

func TestCountdownDurationClamped(t *testing.T) {
	dir := t.TempDir()
	contents := []byte(`
engine:
  countdown_duration: 500ms
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), contents, 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, MinCountdownDuration, cfg.Engine.CountdownDuration)

	contents = []byte(`
engine:
  countdown_duration: 30s
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), contents, 0o644))

	cfg, err = LoadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, MaxCountdownDuration, cfg.Engine.CountdownDuration)
}

func TestConfigureLoggingDefaultsLevel(t *testing.T) {
	require.NoError(t, ConfigureLogging(""))
	require.NoError(t, ConfigureLogging("debug"))
}
