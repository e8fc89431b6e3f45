// Package config loads the orchestrator configuration from defaults, an
// optional YAML file and CHIMERA_* environment variables, in increasing
// precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig configures the HTTP boundary adapter.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	EnableCORS   bool          `mapstructure:"enable_cors"`
	Debug        bool          `mapstructure:"debug"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `mapstructure:"driver"`
	// DSN is the postgres connection string; ignored by the memory driver.
	DSN string `mapstructure:"dsn"`
	// DualWrite mirrors mutations into the legacy unified_* tables.
	DualWrite bool `mapstructure:"dual_write"`
	// Migrate applies the schema on startup (postgres only).
	Migrate bool `mapstructure:"migrate"`
}

// WorkersConfig tunes worker liveness handling.
type WorkersConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	// JanitorSchedule is a cron expression for expired-task cleanup.
	// Empty disables the janitor.
	JanitorSchedule string        `mapstructure:"janitor_schedule"`
	TaskRetention   time.Duration `mapstructure:"task_retention"`
}

// EventsConfig tunes the in-process bus.
type EventsConfig struct {
	QueueSize   int `mapstructure:"queue_size"`
	HistorySize int `mapstructure:"history_size"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Config is the full orchestrator configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Workers WorkersConfig `mapstructure:"workers"`
	Events  EventsConfig  `mapstructure:"events"`
	Log     LogConfig     `mapstructure:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			EnableCORS:   true,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:    "memory",
			DualWrite: true,
			Migrate:   true,
		},
		Workers: WorkersConfig{
			HeartbeatTimeout: 60 * time.Second,
			SweepInterval:    30 * time.Second,
			JanitorSchedule:  "@every 1h",
			TaskRetention:    7 * 24 * time.Hour,
		},
		Events: EventsConfig{
			QueueSize:   1024,
			HistorySize: 1000,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration from the optional file at path (YAML), overlaying
// CHIMERA_* environment variables on top of the defaults. An empty path skips
// the file layer.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CHIMERA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Default()
	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.enable_cors", defaults.Server.EnableCORS)
	v.SetDefault("server.debug", defaults.Server.Debug)
	v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	v.SetDefault("store.driver", defaults.Store.Driver)
	v.SetDefault("store.dsn", defaults.Store.DSN)
	v.SetDefault("store.dual_write", defaults.Store.DualWrite)
	v.SetDefault("store.migrate", defaults.Store.Migrate)
	v.SetDefault("workers.heartbeat_timeout", defaults.Workers.HeartbeatTimeout)
	v.SetDefault("workers.sweep_interval", defaults.Workers.SweepInterval)
	v.SetDefault("workers.janitor_schedule", defaults.Workers.JanitorSchedule)
	v.SetDefault("workers.task_retention", defaults.Workers.TaskRetention)
	v.SetDefault("events.queue_size", defaults.Events.QueueSize)
	v.SetDefault("events.history_size", defaults.Events.HistorySize)
	v.SetDefault("log.level", defaults.Log.Level)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the orchestrator cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Workers.HeartbeatTimeout <= 0 {
		return fmt.Errorf("workers.heartbeat_timeout must be positive")
	}
	return nil
}
