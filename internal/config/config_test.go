package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bhandras/devicelink/internal/dispatch"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("DEVICELINK_HOME", home)
	for _, k := range []string{
		"DEVICELINK_CONTROLLER_URL", "DEVICELINK_TOKEN", "DEVICELINK_TOKEN_SECRET",
		"DEVICELINK_FRAMES_DIR", "DEVICELINK_LOG_LEVEL", "DEVICELINK_DEBUG", "DEBUG",
		"DEVICELINK_WEBSOCKET_ONLY", "DEVICELINK_TELEMETRY_INTERVAL", "DEVICELINK_MAX_ATTEMPTS",
	} {
		t.Setenv(k, "")
	}
	return home
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, home, cfg.Home)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, 15*time.Second, cfg.Session.HeartbeatInterval)
	require.Equal(t, 3, cfg.Session.MaxMissedHeartbeats)
	require.Equal(t, DefaultChunkSize, cfg.Frames.ChunkSize)

	info, err := os.Stat(home)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestLoadYAMLFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "devicelink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
controller:
  url: https://controller.example
  websocket_only: true
session:
  heartbeat_interval: 2s
  max_attempts: 5
dispatch:
  command_timeout: 1m
  kind_timeouts:
    scan_qr: 45s
frames:
  dir: /tmp/frames
  chunk_size: 1024
logging:
  level: debug
telemetry_interval: 0s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://controller.example", cfg.Controller.URL)
	require.True(t, cfg.Controller.WebSocketOnly)
	require.Equal(t, 2*time.Second, cfg.Session.HeartbeatInterval)
	// Untouched keys keep their defaults.
	require.Equal(t, 5*time.Second, cfg.Session.HeartbeatTimeout)
	require.Equal(t, 5, cfg.Session.MaxAttempts)
	require.Equal(t, "/tmp/frames", cfg.Frames.Dir)
	require.Equal(t, 1024, cfg.Frames.ChunkSize)
	require.Zero(t, cfg.TelemetryInterval)

	dc := cfg.DispatchSettings()
	require.Equal(t, time.Minute, dc.CommandTimeout)
	require.Equal(t, 45*time.Second, dc.KindTimeouts[dispatch.KindScanQR])
	require.Equal(t, 10*time.Minute, dc.KindTimeouts[dispatch.KindStreamFrames])

	sc := cfg.SessionSettings("dev-1")
	require.Equal(t, "https://controller.example", sc.Endpoint)
	require.Equal(t, "dev-1", sc.DeviceID)
	require.Equal(t, 5, sc.MaxAttempts)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session: [\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	home := isolate(t)
	require.NoError(t, os.MkdirAll(home, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(home, FileName), []byte(`
controller:
  url: https://from-file
logging:
  level: warn
`), 0o600))

	t.Setenv("DEVICELINK_CONTROLLER_URL", "https://from-env")
	t.Setenv("DEBUG", "1")
	t.Setenv("DEVICELINK_TELEMETRY_INTERVAL", "5s")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "https://from-env", cfg.Controller.URL)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 5*time.Second, cfg.TelemetryInterval)
}

func TestEnvRejectsBadValues(t *testing.T) {
	isolate(t)
	t.Setenv("DEVICELINK_MAX_ATTEMPTS", "many")
	_, err := Load("")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Home = t.TempDir()
	require.NoError(t, cfg.Validate())

	cfg.Logging.Level = "loud"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Home = t.TempDir()
	cfg.Frames.ChunkSize = 0
	require.Error(t, cfg.Validate())
}

func TestDialerSettings(t *testing.T) {
	cfg := Default()
	cfg.Controller.Path = "/custom"
	cfg.Controller.WebSocketOnly = true
	d := cfg.Dialer()
	require.Equal(t, "/custom", d.Path)
	require.Equal(t, "message", d.Event)
	require.True(t, d.WebSocketOnly)
}
