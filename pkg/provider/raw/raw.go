// Package raw defines the transport-level event type shared by all provider
// translators. A raw event is one framed unit read off the wire — an SSE
// event or one NDJSON line — before any provider-specific interpretation.
package raw

// Event is a single raw provider event.
type Event struct {
	// Type is the transport event type (the SSE "event:" field). Empty for
	// transports without event framing, such as NDJSON.
	Type string

	// Data is the event payload, usually a JSON document.
	Data []byte
}
