package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hoangphuc173/web1/pkg/client"
	"github.com/hoangphuc173/web1/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:5000", cfg.API.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, 3, cfg.API.Retries)
	assert.Equal(t, time.Second, cfg.API.RetryDelay)
	assert.Equal(t, 2.0, cfg.API.RetryBackoff)
	assert.Equal(t, "include", cfg.API.Credentials)
	assert.Equal(t, "/api/check-auth", cfg.API.Endpoints.CheckAuth)
	assert.Equal(t, "/api/logout", cfg.API.Endpoints.Logout)

	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "cgv_state", cfg.Storage.Key)
	assert.Equal(t, 5*time.Minute, cfg.Storage.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.Storage.TTL.User)
	assert.Equal(t, "currentUser", cfg.Storage.Keys.User)

	assert.Equal(t, "/login.html", cfg.Session.RedirectTarget)
	assert.Equal(t, 2*time.Second, cfg.Session.RedirectDelay)
	assert.True(t, cfg.Log.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, client.DefaultMessages(), cfg.Messages)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
api:
  base_url: https://cinema.example.com
  timeout: 10s
  retries: 5
storage:
  backend: sqlite
  sqlite:
    path: /tmp/state.db
  ttl:
    user: 12h
messages:
  network: Offline
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://cinema.example.com", cfg.API.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.API.Timeout)
	assert.Equal(t, 5, cfg.API.Retries)
	assert.Equal(t, time.Second, cfg.API.RetryDelay, "unset keys keep defaults")
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "/tmp/state.db", cfg.Storage.SQLite.Path)
	assert.Equal(t, 12*time.Hour, cfg.Storage.TTL.User)
	assert.Equal(t, "Offline", cfg.Messages.Network)
	assert.Equal(t, client.DefaultMessages().Timeout, cfg.Messages.Timeout)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("WEBCLIENT_API_BASE_URL", "http://api.internal:8080")
	t.Setenv("WEBCLIENT_API_TIMEOUT", "5s")
	t.Setenv("WEBCLIENT_STORAGE_BACKEND", "redis")
	t.Setenv("WEBCLIENT_STORAGE_REDIS_ADDR", "redis:6379")
	t.Setenv("WEBCLIENT_LOG_LEVEL", "debug")

	path := writeConfig(t, "api:\n  base_url: http://from-file\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://api.internal:8080", cfg.API.BaseURL, "env wins over file")
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty base url", func(c *Config) { c.API.BaseURL = "" }, "api.base_url"},
		{"zero timeout", func(c *Config) { c.API.Timeout = 0 }, "api.timeout"},
		{"zero retries", func(c *Config) { c.API.Retries = 0 }, "api.retries"},
		{"bad credentials", func(c *Config) { c.API.Credentials = "always" }, "api.credentials"},
		{"bad backend", func(c *Config) { c.Storage.Backend = "localStorage" }, "storage.backend"},
		{"empty key", func(c *Config) { c.Storage.Key = "" }, "storage.key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestAPIConfig_ClientConfig(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cc := cfg.API.ClientConfig()
	assert.Equal(t, cfg.API.BaseURL, cc.BaseURL)
	assert.Equal(t, cfg.API.Timeout, cc.Timeout)
	assert.Equal(t, 3, cc.Retry.Retries)
	assert.Equal(t, time.Second, cc.Retry.Delay)
	assert.Equal(t, 2.0, cc.Retry.Backoff)
	assert.Equal(t, client.CredentialsInclude, cc.Credentials)
	assert.Equal(t, "application/json", cc.Headers["Content-Type"])
}

func TestLogConfig_LoggingConfig(t *testing.T) {
	lc := LogConfig{Enabled: false, Level: "warn", Pretty: true}.LoggingConfig()

	assert.False(t, lc.Enabled)
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.True(t, lc.Pretty)
	assert.NotNil(t, lc.Output)
}
