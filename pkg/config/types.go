package config

import (
	"fmt"
	"strconv"
	"time"
)

// Config represents the persistent loom configuration stored as config.toml
// in the .loom/ directory. The TOML layout uses sections for logical grouping.
type Config struct {
	Version int           `toml:"version"`
	Storage StorageConfig `toml:"storage"`
	Ingest  IngestConfig  `toml:"ingest"`
	Export  ExportConfig  `toml:"export"`
	Events  EventsConfig  `toml:"events"`
}

// StorageConfig selects and configures the block store backend.
type StorageConfig struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver      string `toml:"driver,omitempty"`
	SQLitePath  string `toml:"sqlite_path,omitempty"`
	PostgresDSN string `toml:"postgres_dsn,omitempty"`
}

// IngestConfig holds the ingest service settings.
type IngestConfig struct {
	// Provider is the upstream event dialect: "anthropic", "openai", "ollama".
	Provider string `toml:"provider,omitempty"`

	// Upstream is the provider base URL requests are forwarded to.
	Upstream string `toml:"upstream,omitempty"`

	// Listen is the ingest service bind address.
	Listen string `toml:"listen,omitempty"`

	// IdleTimeout is the stream idle timeout as a Go duration string
	// (e.g. "2m", "90s"). Streams with no events for this long are aborted.
	IdleTimeout string `toml:"idle_timeout,omitempty"`

	// ThrottleInterval is the coalescing window for partial block
	// persistence as a Go duration string (e.g. "150ms"). Rapid deltas
	// within one window collapse into a single write.
	ThrottleInterval string `toml:"throttle_interval,omitempty"`
}

// ExportConfig holds bulk export settings.
type ExportConfig struct {
	BatchSize uint `toml:"batch_size,omitempty"`
}

// EventsConfig holds finalized-message event publishing settings.
type EventsConfig struct {
	Enabled bool     `toml:"enabled,omitempty"`
	Brokers []string `toml:"brokers,omitempty"`
	Topic   string   `toml:"topic,omitempty"`
}

// IdleTimeoutDuration parses the configured idle timeout. Falls back to the
// default when the field is empty or malformed.
func (c *IngestConfig) IdleTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.IdleTimeout)
	if err != nil || d <= 0 {
		return defaultIdleTimeoutDuration
	}
	return d
}

// ThrottleIntervalDuration parses the configured throttle interval. Falls
// back to the default when the field is empty or malformed, so partial
// persistence is always coalesced.
func (c *IngestConfig) ThrottleIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.ThrottleInterval)
	if err != nil || d <= 0 {
		return defaultThrottleIntervalDuration
	}
	return d
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"storage.driver": {
		get: func(c *Config) string { return c.Storage.Driver },
		set: func(c *Config, v string) error {
			switch v {
			case "memory", "sqlite", "postgres":
				c.Storage.Driver = v
				return nil
			default:
				return fmt.Errorf("invalid storage.driver %q (expected memory, sqlite, or postgres)", v)
			}
		},
	},
	"storage.sqlite_path": {
		get: func(c *Config) string { return c.Storage.SQLitePath },
		set: func(c *Config, v string) error { c.Storage.SQLitePath = v; return nil },
	},
	"storage.postgres_dsn": {
		get: func(c *Config) string { return c.Storage.PostgresDSN },
		set: func(c *Config, v string) error { c.Storage.PostgresDSN = v; return nil },
	},
	"ingest.provider": {
		get: func(c *Config) string { return c.Ingest.Provider },
		set: func(c *Config, v string) error { c.Ingest.Provider = v; return nil },
	},
	"ingest.upstream": {
		get: func(c *Config) string { return c.Ingest.Upstream },
		set: func(c *Config, v string) error { c.Ingest.Upstream = v; return nil },
	},
	"ingest.listen": {
		get: func(c *Config) string { return c.Ingest.Listen },
		set: func(c *Config, v string) error { c.Ingest.Listen = v; return nil },
	},
	"ingest.idle_timeout": {
		get: func(c *Config) string { return c.Ingest.IdleTimeout },
		set: func(c *Config, v string) error {
			if _, err := time.ParseDuration(v); err != nil {
				return fmt.Errorf("invalid value for ingest.idle_timeout: %w", err)
			}
			c.Ingest.IdleTimeout = v
			return nil
		},
	},
	"ingest.throttle_interval": {
		get: func(c *Config) string { return c.Ingest.ThrottleInterval },
		set: func(c *Config, v string) error {
			if _, err := time.ParseDuration(v); err != nil {
				return fmt.Errorf("invalid value for ingest.throttle_interval: %w", err)
			}
			c.Ingest.ThrottleInterval = v
			return nil
		},
	},
	"export.batch_size": {
		get: func(c *Config) string {
			if c.Export.BatchSize == 0 {
				return ""
			}
			return strconv.FormatUint(uint64(c.Export.BatchSize), 10)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for export.batch_size: %w", err)
			}
			c.Export.BatchSize = uint(n)
			return nil
		},
	},
	"events.enabled": {
		get: func(c *Config) string { return strconv.FormatBool(c.Events.Enabled) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for events.enabled: %w", err)
			}
			c.Events.Enabled = b
			return nil
		},
	},
	"events.topic": {
		get: func(c *Config) string { return c.Events.Topic },
		set: func(c *Config, v string) error { c.Events.Topic = v; return nil },
	},
}
