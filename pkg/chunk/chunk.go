// Package chunk defines the provider-agnostic event vocabulary produced by
// stream translation. A Chunk is one typed, immutable unit of a translated
// provider stream: text and reasoning deltas, tool-call lifecycle events,
// images, raw passthrough payloads, recoverable errors, and the terminal
// finish signal.
//
// Ordering within one stream is the only guarantee; there is no global
// ordering across concurrent streams.
package chunk

// Kind discriminates the Chunk variants.
type Kind string

const (
	KindTextDelta      Kind = "text-delta"
	KindReasoningDelta Kind = "reasoning-delta"
	KindToolCallStart  Kind = "tool-call-start"
	KindToolCallDelta  Kind = "tool-call-delta"
	KindToolCallEnd    Kind = "tool-call-end"
	KindImage          Kind = "image"
	KindRaw            Kind = "raw"
	KindError          Kind = "error"
	KindFinish         Kind = "finish"
)

// Chunk is a sealed interface over the translated stream event variants.
// The unexported marker method prevents external implementations, so
// consumers can exhaustively switch on the concrete types.
type Chunk interface {
	Kind() Kind
	chunk()
}

// TextDelta carries an increment of assistant-visible text.
type TextDelta struct {
	Text string
}

func (TextDelta) Kind() Kind { return KindTextDelta }
func (TextDelta) chunk()     {}

// ReasoningDelta carries an increment of model reasoning ("thinking") text.
type ReasoningDelta struct {
	Text string
}

func (ReasoningDelta) Kind() Kind { return KindReasoningDelta }
func (ReasoningDelta) chunk()     {}

// ToolCallStart signals the beginning of a tool invocation.
type ToolCallStart struct {
	ID   string
	Name string
}

func (ToolCallStart) Kind() Kind { return KindToolCallStart }
func (ToolCallStart) chunk()     {}

// ToolCallDelta carries a fragment of the tool call's argument JSON.
type ToolCallDelta struct {
	ID           string
	ArgsFragment string
}

func (ToolCallDelta) Kind() Kind { return KindToolCallDelta }
func (ToolCallDelta) chunk()     {}

// ToolCallEnd completes a tool invocation with its result payload.
type ToolCallEnd struct {
	ID     string
	Result string
}

func (ToolCallEnd) Kind() Kind { return KindToolCallEnd }
func (ToolCallEnd) chunk()     {}

// Image carries inline image content emitted by the provider.
type Image struct {
	Data     []byte
	MimeType string
}

func (Image) Kind() Kind { return KindImage }
func (Image) chunk()     {}

// Raw is a provider-specific passthrough payload that does not map to any
// other variant. Continuation side-data (thinking signatures, reasoning item
// ids) travels in raw chunks and is recorded by the translators as a side
// channel; raw chunks never open or close blocks on their own.
type Raw struct {
	ProviderTag string
	Payload     []byte

	// ItemID and Continuation carry provider continuation metadata when the
	// payload includes it. Both empty otherwise.
	ItemID       string
	Continuation string
}

func (Raw) Kind() Kind { return KindRaw }
func (Raw) chunk()     {}

// ErrorKind classifies recoverable and terminal stream errors.
type ErrorKind string

const (
	// ErrorProtocol marks a malformed or unrecognized raw event. The stream
	// continues after a protocol error chunk.
	ErrorProtocol ErrorKind = "protocol"

	// ErrorTimeout marks an idle timeout. The stream terminates.
	ErrorTimeout ErrorKind = "timeout"

	// ErrorAborted marks an external cancellation.
	ErrorAborted ErrorKind = "aborted"

	// ErrorProvider marks an error reported by the provider itself.
	ErrorProvider ErrorKind = "provider"
)

// Error surfaces a stream-level error as an in-band event.
type Error struct {
	Err     ErrorKind
	Message string
}

func (Error) Kind() Kind { return KindError }
func (Error) chunk()     {}

// FinishReason explains why a stream ended.
type FinishReason string

const (
	FinishComplete FinishReason = "complete"
	FinishAborted  FinishReason = "aborted"
	FinishError    FinishReason = "error"
)

// Finish is the terminal chunk of every stream.
type Finish struct {
	Reason FinishReason
}

func (Finish) Kind() Kind { return KindFinish }
func (Finish) chunk()     {}

// Interface compliance checks.
var (
	_ Chunk = TextDelta{}
	_ Chunk = ReasoningDelta{}
	_ Chunk = ToolCallStart{}
	_ Chunk = ToolCallDelta{}
	_ Chunk = ToolCallEnd{}
	_ Chunk = Image{}
	_ Chunk = Raw{}
	_ Chunk = Error{}
	_ Chunk = Finish{}
)
