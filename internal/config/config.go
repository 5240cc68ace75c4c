// Package config loads dashlog settings: a YAML file, overlaid by DASHLOG_*
// environment variables, overlaid by command-line flags (applied by the
// CLI).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/dashlog/internal/ir"
)

var (
	// ErrInvalidConfig is returned when a loaded configuration is invalid.
	ErrInvalidConfig = errors.New("config: invalid configuration")
	// ErrConfigNotFound is returned when the config file does not exist.
	ErrConfigNotFound = errors.New("config: configuration file not found")
)

// Config is the root configuration.
type Config struct {
	// Database is the SQLite file path.
	Database string `yaml:"database" json:"database" env:"DASHLOG_DB"`

	// Catalog is a directory holding CUE event/handler declarations.
	// Empty uses the built-in catalog.
	Catalog string `yaml:"catalog,omitempty" json:"catalog,omitempty" env:"DASHLOG_CATALOG"`

	// Mode is the hook mode: eager, async or lazy. Default: eager.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty" env:"DASHLOG_MODE"`

	Events EventsConfig `yaml:"events" json:"events"`
	Schema SchemaConfig `yaml:"schema" json:"schema"`
	Notify NotifyConfig `yaml:"notify" json:"notify"`
	Watch  WatchConfig  `yaml:"watch" json:"watch"`
}

// EventsConfig configures the event log.
type EventsConfig struct {
	// BaseDir holds external payload files. Default: see EventsDir.
	BaseDir string `yaml:"base_dir" json:"base_dir" env:"DASHLOG_EVENTS_DIR"`

	// Timezone renders event timestamps. Default: US/Central.
	Timezone string `yaml:"timezone" json:"timezone" env:"DASHLOG_TIMEZONE"`
}

// SchemaConfig selects the current schema version.
type SchemaConfig struct {
	Version string `yaml:"version" json:"version" env:"DASHLOG_SCHEMA_VERSION"`
}

// NotifyConfig configures change notifications. Without a webhook URL
// notifications are logged.
type NotifyConfig struct {
	WebhookURL    string        `yaml:"webhook_url,omitempty" json:"webhook_url,omitempty" env:"DASHLOG_SLACK_WEBHOOK"`
	Channel       string        `yaml:"channel" json:"channel" env:"DASHLOG_SLACK_CHANNEL"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout" env:"DASHLOG_SLACK_TIMEOUT"`
	MaxRetries    uint64        `yaml:"max_retries" json:"max_retries" env:"DASHLOG_SLACK_MAX_RETRIES"`
	RatePerSecond float64       `yaml:"rate_per_second" json:"rate_per_second" env:"DASHLOG_SLACK_RATE"`
}

// WatchConfig configures `dashlog watch`.
type WatchConfig struct {
	Interval    time.Duration `yaml:"interval" json:"interval" env:"DASHLOG_WATCH_INTERVAL"`
	MetricsAddr string        `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty" env:"DASHLOG_METRICS_ADDR"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads path (skipped when empty), overlays the environment, applies
// defaults and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes parses YAML without consulting the environment.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overlays set DASHLOG_* variables onto cfg. Unset variables
// leave fields untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Database == "" {
		c.Database = "dashlog.db"
	}
	if c.Mode == "" {
		c.Mode = "eager"
	}
	if c.Events.Timezone == "" {
		c.Events.Timezone = "US/Central"
	}
	if c.Schema.Version == "" {
		c.Schema.Version = ir.SchemaVersion
	}
	if c.Notify.Channel == "" {
		c.Notify.Channel = "#microns-dashboard"
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 10 * time.Second
	}
	if c.Notify.MaxRetries == 0 {
		c.Notify.MaxRetries = 3
	}
	if c.Notify.RatePerSecond == 0 {
		c.Notify.RatePerSecond = 1
	}
	if c.Watch.Interval == 0 {
		c.Watch.Interval = 30 * time.Second
	}
}

// Validate rejects settings the pipeline cannot start with.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("%w: database is required", ErrInvalidConfig)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: events.timezone: %v", ErrInvalidConfig, err)
	}
	switch c.Mode {
	case "eager", "async", "lazy":
	default:
		return fmt.Errorf("%w: mode %q (want eager, async or lazy)", ErrInvalidConfig, c.Mode)
	}
	if c.Watch.Interval <= 0 {
		return fmt.Errorf("%w: watch.interval must be positive", ErrInvalidConfig)
	}
	if c.Notify.Timeout <= 0 {
		return fmt.Errorf("%w: notify.timeout must be positive", ErrInvalidConfig)
	}
	if c.Notify.RatePerSecond < 0 {
		return fmt.Errorf("%w: notify.rate_per_second must not be negative", ErrInvalidConfig)
	}
	return nil
}

// DefaultEventsDir is the payload directory name, next to the database,
// used when events.base_dir is unset.
const DefaultEventsDir = "events"

// EventsDir is where external payload files live: events.base_dir, or
// DefaultEventsDir beside the database file.
func (c *Config) EventsDir() string {
	if c.Events.BaseDir != "" {
		return c.Events.BaseDir
	}
	return filepath.Join(filepath.Dir(c.Database), DefaultEventsDir)
}

// Location resolves Events.Timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Events.Timezone)
}
