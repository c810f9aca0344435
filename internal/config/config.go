package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "parley.toml"

	// DefaultAddress is the default listen address.
	DefaultAddress = ":8080"

	// DefaultStoreDriver is the backend used when none is configured.
	DefaultStoreDriver = "memory"
)

// Duration wraps time.Duration so TOML accepts strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Config is the complete parley.toml configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Store   StoreConfig   `toml:"store"`
	Archive ArchiveConfig `toml:"archive"`
	Log     LogConfig     `toml:"log"`

	// configPath stores the path the config was loaded from.
	configPath string
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	// Address is the listen address.
	Address string `toml:"address"`

	// MaxSessions caps concurrent sessions. Zero means no limit.
	MaxSessions int `toml:"max_sessions"`

	// HeartbeatInterval is the keep-alive ping cadence.
	HeartbeatInterval Duration `toml:"heartbeat_interval"`

	// ReadTimeout is how long a connection may stay silent. Must
	// exceed HeartbeatInterval since pongs are what refresh it.
	ReadTimeout Duration `toml:"read_timeout"`

	// MaxMessageSize is the largest accepted inbound frame in bytes.
	MaxMessageSize int64 `toml:"max_message_size"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `toml:"shutdown_timeout"`

	// EnableTracing installs the OpenTelemetry middleware.
	EnableTracing bool `toml:"enable_tracing"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Driver is one of memory, sqlite, or postgres.
	Driver string `toml:"driver"`

	// DSN is the backend address: a file path for sqlite, a postgres
	// URL for postgres. Ignored by memory.
	DSN string `toml:"dsn"`
}

// ArchiveConfig controls the optional S3 event archive.
type ArchiveConfig struct {
	// Enabled turns the archive sink on.
	Enabled bool `toml:"enabled"`

	// Bucket is the destination S3 bucket. Required when enabled.
	Bucket string `toml:"bucket"`

	// Prefix is prepended to every object key.
	Prefix string `toml:"prefix"`

	// MaxBatch is the entry count that triggers an early flush.
	MaxBatch int `toml:"max_batch"`

	// FlushInterval uploads partial batches on a timer.
	FlushInterval Duration `toml:"flush_interval"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`

	// Format is text or json.
	Format string `toml:"format"`
}

// New returns a Config with all defaults applied.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           DefaultAddress,
			HeartbeatInterval: Duration{30 * time.Second},
			ReadTimeout:       Duration{60 * time.Second},
			MaxMessageSize:    64 * 1024,
			ShutdownTimeout:   Duration{30 * time.Second},
		},
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
		},
		Archive: ArchiveConfig{
			Prefix:        "archive/",
			MaxBatch:      256,
			FlushInterval: Duration{30 * time.Second},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads ConfigFileName from the given directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path. A missing
// file surfaces as an error satisfying errors.Is(err, os.ErrNotExist)
// so callers can fall back to defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	cfg.configPath = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the path the config was loaded from, or "" for a config
// built from defaults.
func (c *Config) Path() string {
	return c.configPath
}

// applyDefaults fills in default values for fields the file left empty.
func (c *Config) applyDefaults() {
	defaults := New()

	if c.Server.Address == "" {
		c.Server.Address = defaults.Server.Address
	}
	if c.Server.HeartbeatInterval.Duration == 0 {
		c.Server.HeartbeatInterval = defaults.Server.HeartbeatInterval
	}
	if c.Server.ReadTimeout.Duration == 0 {
		c.Server.ReadTimeout = defaults.Server.ReadTimeout
	}
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = defaults.Server.MaxMessageSize
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}

	if c.Store.Driver == "" {
		c.Store.Driver = defaults.Store.Driver
	}

	if c.Archive.Prefix == "" {
		c.Archive.Prefix = defaults.Archive.Prefix
	}
	if c.Archive.MaxBatch == 0 {
		c.Archive.MaxBatch = defaults.Archive.MaxBatch
	}
	if c.Archive.FlushInterval.Duration == 0 {
		c.Archive.FlushInterval = defaults.Archive.FlushInterval
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store driver %q requires a dsn", c.Store.Driver)
		}
	default:
		return fmt.Errorf("config: unknown store driver %q (expected memory, sqlite, or postgres)", c.Store.Driver)
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("config: archive enabled without a bucket")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q (expected text or json)", c.Log.Format)
	}

	if c.Server.ReadTimeout.Duration <= c.Server.HeartbeatInterval.Duration {
		return fmt.Errorf("config: read_timeout %v must exceed heartbeat_interval %v",
			c.Server.ReadTimeout.Duration, c.Server.HeartbeatInterval.Duration)
	}

	return nil
}
