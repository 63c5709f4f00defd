package service

import (
	"time"
)

// Config is the ingest service configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8080")
	ListenAddr string

	// UpstreamURL is the upstream provider base URL (e.g., "http://localhost:11434")
	UpstreamURL string

	// ProviderType specifies the default upstream event dialect
	// (e.g., "anthropic", "openai", "ollama"). This determines how the
	// provider stream is translated into chunks.
	ProviderType string

	// IdleTimeout is the stream idle window. A stream with no events for
	// this long is aborted with a timeout error. Zero disables the guard.
	IdleTimeout time.Duration

	// ThrottleInterval is the coalescing window for partial block writes.
	// A non-positive value falls back to the default window.
	ThrottleInterval time.Duration
}
