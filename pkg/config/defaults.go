package config

import "time"

const (
	defaultStorageDriver = "sqlite"

	defaultProvider = "ollama"
	defaultUpstream = "http://localhost:11434"
	defaultListen   = ":8080"

	defaultIdleTimeout         = "2m"
	defaultIdleTimeoutDuration = 2 * time.Minute

	defaultThrottleInterval         = "150ms"
	defaultThrottleIntervalDuration = 150 * time.Millisecond

	defaultExportBatchSize = 64

	defaultEventsTopic = "loom.messages.finalized"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Storage: StorageConfig{
			Driver: defaultStorageDriver,
		},
		Ingest: IngestConfig{
			Provider:         defaultProvider,
			Upstream:         defaultUpstream,
			Listen:           defaultListen,
			IdleTimeout:      defaultIdleTimeout,
			ThrottleInterval: defaultThrottleInterval,
		},
		Export: ExportConfig{
			BatchSize: defaultExportBatchSize,
		},
		Events: EventsConfig{
			Enabled: false,
			Topic:   defaultEventsTopic,
		},
	}
}
