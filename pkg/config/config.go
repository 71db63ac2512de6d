// Package config loads the marie runtime configuration from a YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// TransportConfig selects and configures the chat transport adapter.
type TransportConfig struct {
	// Kind is the transport backend: "discord" or "loopback".
	Kind string `yaml:"kind" env:"MARIE_TRANSPORT"`

	Discord DiscordConfig `yaml:"discord"`

	// CommandPrefix marks direct messages as commands. Empty means every
	// direct message is a command candidate.
	CommandPrefix string `yaml:"command_prefix" env:"MARIE_COMMAND_PREFIX"`

	// ChatCommandPrefix marks group-chat messages as commands.
	ChatCommandPrefix string `yaml:"chat_command_prefix" env:"MARIE_CHAT_COMMAND_PREFIX"`
}

// DiscordConfig holds discord bot credentials.
type DiscordConfig struct {
	Token string `yaml:"token" env:"MARIE_DISCORD_TOKEN"`
}

// StoreConfig selects and configures the key-value store backend.
type StoreConfig struct {
	// Backend is one of "redis", "sqlite", "memory".
	Backend string `yaml:"backend" env:"MARIE_STORE_BACKEND"`

	Redis  RedisConfig  `yaml:"redis"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"MARIE_REDIS_ADDR"`
	Password string `yaml:"password" env:"MARIE_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"MARIE_REDIS_DB"`
}

// SQLiteConfig holds the sqlite database path.
type SQLiteConfig struct {
	Path string `yaml:"path" env:"MARIE_SQLITE_PATH"`
}

// GatewayConfig configures the HTTP webhook listener.
type GatewayConfig struct {
	Host string `yaml:"host" env:"MARIE_GATEWAY_HOST"`
	Port int    `yaml:"port" env:"MARIE_GATEWAY_PORT"`

	// APIKey, when non-empty, gates every endpoint except /health behind a
	// bearer token.
	APIKey string `yaml:"api_key" env:"MARIE_API_KEY"`
}

// Config is the root configuration object.
type Config struct {
	LogLevel  string          `yaml:"log_level" env:"MARIE_LOG_LEVEL"`
	Transport TransportConfig `yaml:"transport"`
	Store     StoreConfig     `yaml:"store"`
	Gateway   GatewayConfig   `yaml:"gateway"`

	// Admins lists caller bare identities granted the admin privilege
	// group regardless of transport-side group membership.
	Admins []string `yaml:"admins" env:"MARIE_ADMINS" envSeparator:","`

	// Managers lists callers granted the manager privilege group.
	Managers []string `yaml:"managers" env:"MARIE_MANAGERS" envSeparator:","`
}

// DefaultConfig returns a config with working defaults for local use.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Transport: TransportConfig{
			Kind:              "loopback",
			CommandPrefix:     "",
			ChatCommandPrefix: "!",
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis:   RedisConfig{Addr: "localhost:6379"},
			SQLite:  SQLiteConfig{Path: "marie.db"},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8088,
		},
	}
}

// Load reads the YAML file at path and then applies environment overrides.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for missing required startup parameters.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "discord":
		if c.Transport.Discord.Token == "" {
			return fmt.Errorf("config: transport.discord.token is required for the discord transport")
		}
	case "loopback":
	default:
		return fmt.Errorf("config: unknown transport kind %q", c.Transport.Kind)
	}

	switch c.Store.Backend {
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("config: store.redis.addr is required for the redis backend")
		}
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("config: store.sqlite.path is required for the sqlite backend")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("config: gateway.port %d out of range", c.Gateway.Port)
	}
	return nil
}
