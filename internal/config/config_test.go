package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "thisisasecretkeythatis32charslong!!"

func requiredEnv(t *testing.T) {
	t.Setenv("JOBRELAY_AUTH_JWT_SECRET", testSecret)
	t.Setenv("JOBRELAY_AUTH_SERVICE_TOKEN", "service-token-0123456789")
}

func TestLoadDefaults(t *testing.T) {
	requiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "jobrelay:", cfg.Redis.Prefix)
	assert.Equal(t, 3, cfg.Worker.Default)
	assert.Equal(t, 10*time.Second, cfg.Worker.ShutdownGrace)
	assert.Equal(t, 30*time.Second, cfg.Retry.Base)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 7*24*time.Hour, cfg.DeadLetter.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Reaper.Interval)
	assert.Equal(t, 300*time.Second, cfg.Reaper.Timeout)
	assert.Equal(t, "redis", cfg.Events.Backend)
	assert.Equal(t, 1000, cfg.Events.MaxPerSubject)
	assert.Equal(t, "agents", cfg.Routes.Rules["agent_"])
	assert.Equal(t, "default", cfg.Routes.Default)
	assert.True(t, cfg.Reaper.Enabled)
}

func TestLoadFromEnv(t *testing.T) {
	requiredEnv(t)
	t.Setenv("JOBRELAY_SERVER_PORT", "9090")
	t.Setenv("JOBRELAY_SERVER_LOG_LEVEL", "debug")
	t.Setenv("JOBRELAY_REAPER_TIMEOUT", "90s")
	t.Setenv("JOBRELAY_REAPER_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 90*time.Second, cfg.Reaper.Timeout)
	assert.False(t, cfg.Reaper.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	requiredEnv(t)
	path := writeConfig(t, `
server:
  port: 7000
worker:
  concurrency:
    agents: 5
    scraping: 0
routes:
  rules:
    agent_: agents
  default: misc
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Worker.ConcurrencyFor("agents"))
	assert.Equal(t, 0, cfg.Worker.ConcurrencyFor("scraping"))
	assert.Equal(t, 3, cfg.Worker.ConcurrencyFor("briefings"))
	assert.Equal(t, "misc", cfg.Routes.Default)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"short secret", map[string]string{"JOBRELAY_AUTH_JWT_SECRET": "short"}},
		{"bad log level", map[string]string{"JOBRELAY_SERVER_LOG_LEVEL": "loud"}},
		{"bad port", map[string]string{"JOBRELAY_SERVER_PORT": "70000"}},
		{"unknown backend", map[string]string{"JOBRELAY_EVENTS_BACKEND": "kafka"}},
		{"postgres without url", map[string]string{"JOBRELAY_EVENTS_BACKEND": "postgres"}},
		{"cap below base", map[string]string{"JOBRELAY_RETRY_CAP": "1s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	requiredEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	requiredEnv(t)
	path := writeConfig(t, "server:\n  log_level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, slog.Default(), func(c *Config) { changes <- c }))

	// An invalid edit is ignored.
	require.NoError(t, os.WriteFile(path, []byte("server:\n  log_level: loud\n"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("server:\n  log_level: debug\n"), 0o600))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			require.NotEqual(t, "loud", c.Server.LogLevel)
			if c.Server.LogLevel == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("reload not observed")
		}
	}
}

func TestWatchWithoutPath(t *testing.T) {
	assert.NoError(t, Watch(context.Background(), "", slog.Default(), func(*Config) {}))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
