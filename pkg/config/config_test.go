package config_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightforgemedia/go-bidsocket/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, env := range []string{
		"BIDSOCKET_ENDPOINT", "BIDSOCKET_TRANSPORTS", "BIDSOCKET_RECONNECT_ATTEMPTS",
		"BIDSOCKET_RECONNECT_DELAY", "BIDSOCKET_LOG_LEVEL", "BIDSOCKET_RELAY_BACKPLANE",
		"BIDSOCKET_SYSTEM_NOTIFICATIONS", "BIDSOCKET_SESSION_IDENTITY",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	isolate(t)
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:5000", cfg.Client.Endpoint)
	assert.Equal(t, []string{"websocket", "polling"}, cfg.Client.Transports)
	assert.Equal(t, 5, cfg.Client.ReconnectAttempts)
	assert.Equal(t, time.Second, cfg.Client.ReconnectDelay)
	assert.Equal(t, config.BackplaneMemory, cfg.Relay.Backplane)
	assert.Equal(t, "@every 30s", cfg.Relay.SweepSchedule)
	assert.False(t, cfg.Notifications.System)
	assert.NotEmpty(t, cfg.Identity.SessionPath)
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("BIDSOCKET_ENDPOINT", "https://rt.example.com")
	t.Setenv("BIDSOCKET_TRANSPORTS", "polling")
	t.Setenv("BIDSOCKET_RECONNECT_ATTEMPTS", "9")
	t.Setenv("BIDSOCKET_RECONNECT_DELAY", "250ms")
	t.Setenv("BIDSOCKET_SYSTEM_NOTIFICATIONS", "true")
	t.Setenv("BIDSOCKET_SESSION_IDENTITY", "/tmp/x/identity.json")
	t.Setenv("BIDSOCKET_RELAY_BACKPLANE", "NATS")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://rt.example.com", cfg.Client.Endpoint)
	assert.Equal(t, []string{"polling"}, cfg.Client.Transports)
	assert.Equal(t, 9, cfg.Client.ReconnectAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.ReconnectDelay)
	assert.True(t, cfg.Notifications.System)
	assert.Equal(t, "/tmp/x/identity.json", cfg.Identity.SessionPath)
	assert.Equal(t, config.BackplaneNATS, cfg.Relay.Backplane)
}

func TestEmptyEndpointFallsBack(t *testing.T) {
	isolate(t)
	file := filepath.Join(t.TempDir(), "bidsocket.yaml")
	require.NoError(t, os.WriteFile(file, []byte("client:\n  endpoint: \"  \"\n"), 0o600))

	cfg, err := config.Load(file)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultEndpoint, cfg.Client.Endpoint)
}

func TestConfigFile(t *testing.T) {
	isolate(t)
	file := filepath.Join(t.TempDir(), "bidsocket.yaml")
	yaml := `
client:
  endpoint: http://relay.internal:7000
  transports: [polling, websocket]
  reconnect_delay: 2s
relay:
  backplane: redis
  redis_addr: cache:6379
log:
  level: debug
`
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o600))
	t.Setenv("BIDSOCKET_ENDPOINT", "http://env-wins:1")

	cfg, err := config.Load(file)
	require.NoError(t, err)
	assert.Equal(t, "http://env-wins:1", cfg.Client.Endpoint, "env beats file")
	assert.Equal(t, []string{"polling", "websocket"}, cfg.Client.Transports)
	assert.Equal(t, 2*time.Second, cfg.Client.ReconnectDelay)
	assert.Equal(t, config.BackplaneRedis, cfg.Relay.Backplane)
	assert.Equal(t, "cache:6379", cfg.Relay.RedisAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestMissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	isolate(t)
	t.Setenv("BIDSOCKET_RECONNECT_ATTEMPTS", "0")
	t.Setenv("BIDSOCKET_RELAY_BACKPLANE", "kafka")
	t.Setenv("BIDSOCKET_LOG_LEVEL", "loud")

	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect_attempts")
	assert.Contains(t, err.Error(), "kafka")
	assert.Contains(t, err.Error(), "log.level")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warn": slog.LevelWarn, "error": slog.LevelError,
	} {
		got, err := config.ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := config.ParseLevel("verbose")
	assert.Error(t, err)

	logger := config.LogConfig{Level: "warn"}.NewLogger(os.Stderr)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}
