// Package common provides configuration, logging, and other shared utilities
// for the scheduler core.
package common

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration for the scheduler core.
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Sweeper     SweeperConfig   `toml:"sweeper"`
}

// ServerConfig holds the admin HTTP surface listen address.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// SchedulerConfig holds the two operator-refreshable tunables (schedulerDelay,
// startBuffer) plus the poll delay ceiling.
type SchedulerConfig struct {
	SchedulerDelaySeconds int `toml:"scheduler_delay_seconds"` // min 1; lead time between dispatch loop wakeups
	StartBufferSeconds    int `toml:"start_buffer_seconds"`    // min 0; lead time before a job's nominal start
	PollDelaySeconds      int `toml:"poll_delay_seconds"`      // upper bound on the loop's sleep
}

// StorageConfig wraps the persistence backend configuration.
type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	// ClassDir holds the job-class bodies served to clients over
	// class-transfer requests, one file per class.
	ClassDir string `toml:"class_dir"`
}

// BadgerConfig holds BadgerDB-specific configuration.
type BadgerConfig struct {
	Path           string `toml:"path"`             // database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // delete database on startup
}

// LoggingConfig controls the arbor logger setup.
type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default "15:04:05.000"
}

// SweeperConfig controls the client liveness sweeper.
type SweeperConfig struct {
	Schedule          string `toml:"schedule"`            // cron expression, default every 30s
	StaleAfterSeconds int    `toml:"stale_after_seconds"` // a client with no traffic this long is evicted
}

// NewDefaultConfig returns a Config with sane defaults so a missing or
// partial TOML file still produces a runnable server.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8090,
		},
		Scheduler: SchedulerConfig{
			SchedulerDelaySeconds: 2,
			StartBufferSeconds:    5,
			PollDelaySeconds:      10,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/loadsched",
			},
			ClassDir: "./classes",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		Sweeper: SweeperConfig{
			Schedule:          "@every 30s",
			StaleAfterSeconds: 90,
		},
	}
}

// LoadFromFiles loads configuration starting from defaults, merging each TOML
// file in order (later files override earlier ones), then applying
// environment variable overrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies LOADSCHED_* environment variable overrides.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("LOADSCHED_ENV"); env != "" {
		config.Environment = env
	}
	if port := os.Getenv("LOADSCHED_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("LOADSCHED_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if path := os.Getenv("LOADSCHED_STORAGE_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}
	if level := os.Getenv("LOADSCHED_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority).
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ConfigSubscriber is notified whenever the operator refreshes configuration.
// Implementations re-read only the tunables they care about.
type ConfigSubscriber interface {
	OnConfigRefresh(cfg *Config)
}

// IsProduction reports whether the configured environment is "production".
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
