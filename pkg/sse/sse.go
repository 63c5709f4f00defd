// Package sse provides a minimal, purpose-built SSE (Server-Sent Events)
// reader for consuming upstream LLM provider streams. The reader yields one
// parsed event at a time and can optionally tee the raw bytes verbatim to a
// destination writer, which lets the ingest service forward the provider
// stream to the downstream client unchanged while materializing blocks from
// the parsed events.
//
// This package intentionally does NOT provide SSE writer or server
// capabilities.
//
// See the SSE specification:
// https://html.spec.whatwg.org/multipage/server-sent-events.html
package sse

// Event represents a single parsed SSE event, delimited by a blank line in
// the upstream byte stream.
type Event struct {
	// Type is the SSE event type from the "event:" field. An empty string
	// means the default "message" type per the SSE spec.
	Type string

	// Data is the concatenated contents of all "data:" lines for this
	// event, joined with "\n" per the SSE spec.
	Data string

	// ID is the last event ID from the "id:" field, if present.
	ID string
}
