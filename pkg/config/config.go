// Package config loads the web client configuration from YAML and
// WEBCLIENT_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hoangphuc173/web1/pkg/client"
	"github.com/hoangphuc173/web1/pkg/logging"
	"github.com/hoangphuc173/web1/pkg/retry"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override:
// WEBCLIENT_API_BASE_URL -> api.base_url.
const EnvPrefix = "WEBCLIENT"

type Config struct {
	API      APIConfig       `mapstructure:"api"`
	Storage  StorageConfig   `mapstructure:"storage"`
	Session  SessionConfig   `mapstructure:"session"`
	Log      LogConfig       `mapstructure:"log"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Messages client.Messages `mapstructure:"messages"`
}

type APIConfig struct {
	BaseURL      string          `mapstructure:"base_url"`
	Timeout      time.Duration   `mapstructure:"timeout"`
	Retries      int             `mapstructure:"retries"`
	RetryDelay   time.Duration   `mapstructure:"retry_delay"`
	RetryBackoff float64         `mapstructure:"retry_backoff"`
	Credentials  string          `mapstructure:"credentials"` // "include" | "same-origin" | "omit"
	Endpoints    EndpointsConfig `mapstructure:"endpoints"`
}

type EndpointsConfig struct {
	CheckAuth string `mapstructure:"check_auth"`
	Login     string `mapstructure:"login"`
	Register  string `mapstructure:"register"`
	Logout    string `mapstructure:"logout"`
}

type StorageConfig struct {
	Backend       string        `mapstructure:"backend"` // "memory" | "redis" | "sqlite"
	Key           string        `mapstructure:"key"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	TTL           TTLConfig     `mapstructure:"ttl"`
	Keys          KeysConfig    `mapstructure:"keys"`
	Redis         RedisConfig   `mapstructure:"redis"`
	SQLite        SQLiteConfig  `mapstructure:"sqlite"`
}

type TTLConfig struct {
	User time.Duration `mapstructure:"user"`
}

type KeysConfig struct {
	User string `mapstructure:"user"`
}

type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type SessionConfig struct {
	RedirectTarget string        `mapstructure:"redirect_target"`
	RedirectDelay  time.Duration `mapstructure:"redirect_delay"`
}

type LogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Level   string `mapstructure:"level"`
	Pretty  bool   `mapstructure:"pretty"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads the YAML file at path (skipped when path is empty), overlays
// environment variables and defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:5000")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.retries", 3)
	v.SetDefault("api.retry_delay", time.Second)
	v.SetDefault("api.retry_backoff", 2.0)
	v.SetDefault("api.credentials", string(client.CredentialsInclude))
	v.SetDefault("api.endpoints.check_auth", "/api/check-auth")
	v.SetDefault("api.endpoints.login", "/api/login")
	v.SetDefault("api.endpoints.register", "/api/register")
	v.SetDefault("api.endpoints.logout", "/api/logout")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.key", "cgv_state")
	v.SetDefault("storage.sweep_interval", 5*time.Minute)
	v.SetDefault("storage.ttl.user", 24*time.Hour)
	v.SetDefault("storage.keys.user", "currentUser")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.session_ttl", 24*time.Hour)
	v.SetDefault("storage.sqlite.path", "webclient.db")

	v.SetDefault("session.redirect_target", "/login.html")
	v.SetDefault("session.redirect_delay", 2*time.Second)

	v.SetDefault("log.enabled", true)
	v.SetDefault("log.level", string(logging.LevelInfo))
	v.SetDefault("log.pretty", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	msgs := client.DefaultMessages()
	v.SetDefault("messages.network", msgs.Network)
	v.SetDefault("messages.timeout", msgs.Timeout)
	v.SetDefault("messages.unauthorized", msgs.Unauthorized)
	v.SetDefault("messages.forbidden", msgs.Forbidden)
	v.SetDefault("messages.not_found", msgs.NotFound)
	v.SetDefault("messages.server_error", msgs.ServerError)
	v.SetDefault("messages.validation", msgs.Validation)
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive (got %s)", c.API.Timeout)
	}
	if c.API.Retries < 1 {
		return fmt.Errorf("api.retries must be >= 1 (got %d)", c.API.Retries)
	}

	switch client.Credentials(c.API.Credentials) {
	case client.CredentialsInclude, client.CredentialsSameOrigin, client.CredentialsOmit:
	default:
		return fmt.Errorf("api.credentials must be include, same-origin or omit (got %q)", c.API.Credentials)
	}

	switch c.Storage.Backend {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("storage.backend must be memory, redis or sqlite (got %q)", c.Storage.Backend)
	}
	if c.Storage.Key == "" {
		return fmt.Errorf("storage.key is required")
	}
	return nil
}

// RetryOptions returns the retry policy for API requests.
func (c APIConfig) RetryOptions() retry.Options {
	return retry.Options{
		Retries: c.Retries,
		Delay:   c.RetryDelay,
		Backoff: c.RetryBackoff,
	}
}

// ClientConfig returns the API client configuration.
func (c APIConfig) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.BaseURL)
	cfg.Timeout = c.Timeout
	cfg.Retry = c.RetryOptions()
	cfg.Credentials = client.Credentials(c.Credentials)
	return cfg
}

// LoggingConfig returns the logger configuration.
func (c LogConfig) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Enabled = c.Enabled
	cfg.Level = logging.LogLevel(c.Level)
	cfg.Pretty = c.Pretty
	return cfg
}
