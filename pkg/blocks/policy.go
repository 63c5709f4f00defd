package blocks

import "github.com/loomworksco/loom/pkg/chunk"

// Action is the Manager's decision for one incoming chunk.
type Action int

const (
	// ActionContinue appends the chunk's payload to the active block.
	ActionContinue Action = iota

	// ActionCloseAndOpen finalizes the active block (if any) and opens a
	// new block of the chunk's block kind.
	ActionCloseAndOpen

	// ActionMetadataOnly updates message-level metadata without opening or
	// closing any block.
	ActionMetadataOnly

	// ActionFinalize closes the active block and the message.
	ActionFinalize
)

// BlockKind maps a content-bearing chunk kind to the block kind it
// materializes into.
func BlockKind(k chunk.Kind) Kind {
	switch k {
	case chunk.KindTextDelta:
		return KindText
	case chunk.KindReasoningDelta:
		return KindReasoning
	case chunk.KindToolCallStart, chunk.KindToolCallDelta, chunk.KindToolCallEnd:
		return KindToolCall
	case chunk.KindImage:
		return KindImage
	case chunk.KindError:
		return KindError
	default:
		return ""
	}
}

// Decide is the explicit chunkKind x activeBlockKind dispatch table. Keeping
// the policy in one auditable function, separate from persistence, is what
// makes the kind-switch rules unit-testable in isolation.
//
// hasActive is false in the NoActiveBlock state, in which case active is
// ignored.
func Decide(c chunk.Kind, active Kind, hasActive bool) Action {
	switch c {
	case chunk.KindRaw:
		// Passthrough payloads with continuation side-data update message
		// metadata and never touch blocks.
		return ActionMetadataOnly

	case chunk.KindFinish:
		return ActionFinalize

	case chunk.KindToolCallStart, chunk.KindImage, chunk.KindError:
		// Structural boundaries: each tool call, image, and error opens
		// its own block even when one of the same kind is active.
		return ActionCloseAndOpen

	case chunk.KindTextDelta, chunk.KindReasoningDelta:
		if hasActive && active == BlockKind(c) {
			return ActionContinue
		}
		return ActionCloseAndOpen

	case chunk.KindToolCallDelta, chunk.KindToolCallEnd:
		if hasActive && active == KindToolCall {
			return ActionContinue
		}
		// A fragment without its start; open a tool block anyway rather
		// than dropping provider data.
		return ActionCloseAndOpen

	default:
		return ActionMetadataOnly
	}
}
