package config_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/enhance-go/internal/config"
)

// isolate points config lookups at an empty temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("ENHANCE_CONFIG", filepath.Join(dir, "missing.yaml"))
	for _, key := range []string{
		"ENHANCE_SERVER_URL", "ENHANCE_STREAM_URL", "ENHANCE_CLIENT_TIMEOUT",
		"ENHANCE_IMAGE_POLL_INTERVAL", "ENHANCE_VIDEO_POLL_INTERVAL",
		"ENHANCE_STATUS_INTERVAL", "ENHANCE_HEARTBEAT_INTERVAL",
		"ENHANCE_DEFAULT_TASK", "ENHANCE_DEFAULT_MODEL", "ENHANCE_OUTPUT_DIR",
		"ENHANCE_LOG_FILE", "ENHANCE_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8000", cfg.ServerURL)
	assert.Empty(t, cfg.StreamURL)
	assert.Equal(t, 10*time.Minute, cfg.ClientTimeout)
	assert.Equal(t, 2*time.Second, cfg.ImagePollInterval)
	assert.Equal(t, 3*time.Second, cfg.VideoPollInterval)
	assert.Equal(t, 2*time.Second, cfg.StatusInterval)
	assert.Equal(t, 5*time.Minute, cfg.HeartbeatInterval)
	assert.Equal(t, "denoise", cfg.DefaultTask)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.ConfigFile)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  url: http://gpu-box:8000
  timeout: 30s
poll:
  video: 500ms
heartbeat: 1m
log:
  level: debug
`), 0o644))
	t.Setenv("ENHANCE_CONFIG", path)
	t.Setenv("ENHANCE_HEARTBEAT_INTERVAL", "90s")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:8000", cfg.ServerURL)
	assert.Equal(t, 30*time.Second, cfg.ClientTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.VideoPollInterval)
	assert.Equal(t, 2*time.Second, cfg.ImagePollInterval)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatInterval, "env wins over file")
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, path, cfg.ConfigFile)
}

func TestLoadDotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ENHANCE_OUTPUT_DIR=/data/out\n"), 0o644))
	// t.Setenv("", ...) above registered cleanup; clear so godotenv can set it.
	require.NoError(t, os.Unsetenv("ENHANCE_OUTPUT_DIR"))

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "/data/out", cfg.OutputDir)
}

func TestLoadInvalidFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))
	t.Setenv("ENHANCE_CONFIG", path)

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestInvalidDurationFallsBack(t *testing.T) {
	isolate(t)
	t.Setenv("ENHANCE_IMAGE_POLL_INTERVAL", "soon")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.ImagePollInterval)
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := config.SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("job submitted", "job_id", "t1")

	assert.Contains(t, stderr.String(), "job_id=t1")
	assert.NotContains(t, stderr.String(), "hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &rec))
	assert.Equal(t, "job submitted", rec["msg"])
}

func TestSetupLoggerQuiet(t *testing.T) {
	var stderr bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "logs", "enhance.log")

	logger, cleanup := config.SetupLogger(config.LogOptions{
		File: logFile, Level: slog.LevelInfo, Stderr: &stderr, Quiet: true,
	})
	logger.Info("hello")
	require.NoError(t, cleanup())

	assert.Empty(t, stderr.String())
	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}
