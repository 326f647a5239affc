// Package config loads server configuration from defaults, an optional
// YAML file, a .env file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Storage       StorageConfig      `yaml:"storage"`
	Auth          AuthConfig         `yaml:"auth"`
	Logging       LoggingConfig      `yaml:"logging"`
	Tracing       TracingConfig      `yaml:"tracing"`
	Liveness      LivenessConfig     `yaml:"liveness"`
	Stats         StatsConfig        `yaml:"stats"`
	Subscriptions SubscriptionConfig `yaml:"subscriptions"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StorageConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver          string        `yaml:"driver"`
	DatabaseURL     string        `yaml:"database_url"`
	SQLitePath      string        `yaml:"sqlite_path"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectWait     time.Duration `yaml:"connect_wait"`
}

type AuthConfig struct {
	// AgentAPIKey is compared in constant time. AgentAPIKeyHash is a bcrypt
	// hash and wins when both are set.
	AgentAPIKey     string        `yaml:"agent_api_key"`
	AgentAPIKeyHash string        `yaml:"agent_api_key_hash"`
	JWTSecret       string        `yaml:"jwt_secret"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LivenessConfig struct {
	// OfflineAfter of zero disables the sweeper.
	OfflineAfter  time.Duration `yaml:"offline_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type StatsConfig struct {
	Window   int    `yaml:"window"`
	Timezone string `yaml:"timezone"`
}

type SubscriptionConfig struct {
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
	// SendBuffer is the per-connection outbound frame buffer; a client
	// that falls this far behind is disconnected.
	SendBuffer int `yaml:"send_buffer"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Driver:          "sqlite",
			SQLitePath:      "fleet.db",
			ConnectAttempts: 10,
			ConnectWait:     3 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
		Tracing: TracingConfig{Enabled: true},
		Stats: StatsConfig{
			Window: 1000,
		},
		Subscriptions: SubscriptionConfig{
			RetryBackoff:    250 * time.Millisecond,
			MaxRetryBackoff: 30 * time.Second,
			SendBuffer:      256,
		},
	}
}

// Load builds the configuration. path may be empty or point to a missing
// file, in which case only defaults and the environment apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // ignore error if .env not found

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse YAML from %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Storage.Driver, "STORAGE_DRIVER")
	setString(&c.Storage.DatabaseURL, "DATABASE_URL")
	setString(&c.Storage.SQLitePath, "SQLITE_PATH")
	setString(&c.Auth.AgentAPIKey, "AGENT_API_KEY")
	setString(&c.Auth.AgentAPIKeyHash, "AGENT_API_KEY_HASH")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.File, "LOG_FILE")
	setString(&c.Stats.Timezone, "STATS_TIMEZONE")

	if v := os.Getenv("OFFLINE_AFTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("OFFLINE_AFTER: %w", err)
		}
		c.Liveness.OfflineAfter = d
	}
	if v := os.Getenv("STATS_WINDOW"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STATS_WINDOW: %w", err)
		}
		c.Stats.Window = n
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return errors.New("storage.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be memory, sqlite or postgres, got %q", c.Storage.Driver)
	}

	if c.Auth.AgentAPIKey == "" && c.Auth.AgentAPIKeyHash == "" {
		return errors.New("one of auth.agent_api_key or auth.agent_api_key_hash is required")
	}
	if c.Auth.AgentAPIKeyHash != "" && !strings.HasPrefix(c.Auth.AgentAPIKeyHash, "$2") {
		return errors.New("auth.agent_api_key_hash must be a bcrypt hash")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret must be at least 16 characters")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	if c.Liveness.OfflineAfter < 0 {
		return errors.New("liveness.offline_after must not be negative")
	}
	if c.Stats.Window <= 0 {
		return errors.New("stats.window must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("stats.timezone: %w", err)
	}
	if c.Subscriptions.SendBuffer <= 0 {
		return errors.New("subscriptions.send_buffer must be positive")
	}
	return nil
}

// Location resolves stats.timezone; empty means the server's local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Stats.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Stats.Timezone)
}
