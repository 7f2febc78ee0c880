package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 2, cfg.Escalation.Level2Threshold)
	require.Equal(t, 4, cfg.Escalation.Level3Threshold)
	require.Equal(t, 10*time.Minute, cfg.Escalation.FloorInterval)
	require.Equal(t, 3, cfg.Engine.CommitRetries)
	require.Equal(t, 3, cfg.Delivery.MaxAttempts)
	require.Equal(t, "* * * * *", cfg.Wake.SweepSchedule)
	require.False(t, cfg.Parser.Enabled)
	require.Empty(t, cfg.Database.URL)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kabanda.yaml")
	content := []byte(`
log_level: debug
server:
  port: 9090
  webhook_secret: s3cret
database:
  url: postgres://localhost/kabanda
telegram:
  token: test-token
escalation:
  level2_threshold: 3
  floor_interval: 15m
parser:
  enabled: true
  base_url: http://localhost:11434/v1
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "s3cret", cfg.Server.WebhookSecret)
	require.Equal(t, "postgres://localhost/kabanda", cfg.Database.URL)
	require.Equal(t, "test-token", cfg.Telegram.Token)
	require.Equal(t, 3, cfg.Escalation.Level2Threshold)
	require.Equal(t, 15*time.Minute, cfg.Escalation.FloorInterval)
	// Unset keys keep their defaults.
	require.Equal(t, 4, cfg.Escalation.Level3Threshold)
	require.True(t, cfg.Parser.Enabled)
	require.Equal(t, "http://localhost:11434/v1", cfg.Parser.BaseURL)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("KABANDA_SERVER_PORT", "7070")
	t.Setenv("KABANDA_TELEGRAM_TOKEN", "env-token")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, "env-token", cfg.Telegram.Token)
}
