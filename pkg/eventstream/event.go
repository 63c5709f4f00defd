// Package eventstream defines transport-neutral event payloads emitted when
// a message finishes materializing, plus the Publisher interface backends
// implement. Publishing is best-effort and never blocks finalization.
package eventstream

import (
	"time"

	"github.com/loomworksco/loom/pkg/blocks"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeMessageFinalized is emitted after a streamed message and all
	// of its blocks reach a terminal status.
	EventTypeMessageFinalized = "loom.message.finalized"
)

// MessageFinalizedEvent is a transport-neutral event payload for a finalized
// message.
type MessageFinalizedEvent struct {
	SchemaVersion int             `json:"schema_version"`
	EventType     string          `json:"event_type"`
	EventID       string          `json:"event_id"`
	EmittedAt     time.Time       `json:"emitted_at"`
	Source        EventSource     `json:"source"`
	StreamMeta    StreamMeta      `json:"stream_meta"`
	Message       *blocks.Message `json:"message"`
	Blocks        []*blocks.Block `json:"blocks"`
}

// EventSource identifies where the stream originated.
type EventSource struct {
	Provider        string `json:"provider"`
	ConversationKey string `json:"conversation_key,omitempty"`
}

// StreamMeta captures stream lifecycle metadata for the event.
type StreamMeta struct {
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
	Reason      string    `json:"reason"`
}
