// Package anthropic translates Anthropic Messages API stream events into
// chunks. The Messages API frames its stream as typed SSE events
// (message_start, content_block_start/delta/stop, message_delta,
// message_stop) with content blocks addressed by index.
package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/loomworksco/loom/pkg/chunk"
	"github.com/loomworksco/loom/pkg/continuation"
	"github.com/loomworksco/loom/pkg/provider/raw"
)

// Translator converts Anthropic stream events into chunks. It tracks the
// provider's content-block indices so deltas can be attributed to the tool
// call or thinking block they belong to.
type Translator struct {
	conversationKey string
	signatures      *continuation.Cache[string]

	// blockTypes maps content block index to the provider block type.
	blockTypes map[int]string

	// toolIDs maps content block index to the tool_use id.
	toolIDs map[int]string

	// toolArgs accumulates input_json_delta fragments per block index.
	toolArgs map[int]string

	// signature accumulates signature_delta fragments for the current
	// thinking block.
	signature map[int]string

	stopReason string
}

// New creates a translator bound to a conversation key. Thinking signatures
// observed on the stream are written into sigs under that key so a later
// turn can echo them back.
func New(conversationKey string, sigs *continuation.Cache[string]) *Translator {
	return &Translator{
		conversationKey: conversationKey,
		signatures:      sigs,
		blockTypes:      make(map[int]string),
		toolIDs:         make(map[int]string),
		toolArgs:        make(map[int]string),
		signature:       make(map[int]string),
	}
}

// Name returns the canonical provider name.
func (t *Translator) Name() string { return "anthropic" }

// streamEvent is the union shape of all Anthropic stream event payloads.
type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		Signature   string `json:"signature"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Translate converts one raw event into chunks.
func (t *Translator) Translate(ev *raw.Event) []chunk.Chunk {
	var se streamEvent
	if err := json.Unmarshal(ev.Data, &se); err != nil {
		if ev.Type == "message_stop" {
			// The terminal signal itself is unreadable; the stream cannot
			// continue meaningfully.
			return []chunk.Chunk{
				chunk.Error{Err: chunk.ErrorProtocol, Message: fmt.Sprintf("malformed message_stop event: %v", err)},
				chunk.Finish{Reason: chunk.FinishError},
			}
		}
		return []chunk.Chunk{
			chunk.Error{Err: chunk.ErrorProtocol, Message: fmt.Sprintf("malformed stream event: %v", err)},
		}
	}

	// The SSE event field and the payload's type field are redundant on
	// this API; prefer the payload when present.
	typ := se.Type
	if typ == "" {
		typ = ev.Type
	}

	switch typ {
	case "ping":
		return nil

	case "message_start", "message_delta":
		if se.Delta != nil && se.Delta.StopReason != "" {
			t.stopReason = se.Delta.StopReason
		}
		// Message-level metadata (usage, stop reason). Passed through for
		// message metadata updates; never opens or closes a block.
		return []chunk.Chunk{chunk.Raw{ProviderTag: t.Name(), Payload: ev.Data}}

	case "content_block_start":
		return t.translateBlockStart(&se)

	case "content_block_delta":
		return t.translateBlockDelta(&se, ev)

	case "content_block_stop":
		return t.translateBlockStop(&se)

	case "message_stop":
		// All provider stop reasons (end_turn, max_tokens, tool_use, ...)
		// are orderly completions from the stream's point of view.
		return []chunk.Chunk{chunk.Finish{Reason: chunk.FinishComplete}}

	case "error":
		msg := "provider error"
		if se.Error != nil && se.Error.Message != "" {
			msg = se.Error.Message
		}
		return []chunk.Chunk{
			chunk.Error{Err: chunk.ErrorProvider, Message: msg},
			chunk.Finish{Reason: chunk.FinishError},
		}

	default:
		return []chunk.Chunk{
			chunk.Error{Err: chunk.ErrorProtocol, Message: fmt.Sprintf("unrecognized stream event type %q", typ)},
		}
	}
}

func (t *Translator) translateBlockStart(se *streamEvent) []chunk.Chunk {
	if se.ContentBlock == nil {
		return []chunk.Chunk{
			chunk.Error{Err: chunk.ErrorProtocol, Message: "content_block_start without content_block"},
		}
	}

	t.blockTypes[se.Index] = se.ContentBlock.Type

	if se.ContentBlock.Type == "tool_use" {
		t.toolIDs[se.Index] = se.ContentBlock.ID
		return []chunk.Chunk{chunk.ToolCallStart{ID: se.ContentBlock.ID, Name: se.ContentBlock.Name}}
	}

	// text / thinking / redacted_thinking blocks open lazily on their
	// first delta.
	return nil
}

func (t *Translator) translateBlockDelta(se *streamEvent, ev *raw.Event) []chunk.Chunk {
	if se.Delta == nil {
		return []chunk.Chunk{
			chunk.Error{Err: chunk.ErrorProtocol, Message: "content_block_delta without delta"},
		}
	}

	switch se.Delta.Type {
	case "text_delta":
		return []chunk.Chunk{chunk.TextDelta{Text: se.Delta.Text}}

	case "thinking_delta":
		return []chunk.Chunk{chunk.ReasoningDelta{Text: se.Delta.Thinking}}

	case "input_json_delta":
		id := t.toolIDs[se.Index]
		t.toolArgs[se.Index] += se.Delta.PartialJSON
		return []chunk.Chunk{chunk.ToolCallDelta{ID: id, ArgsFragment: se.Delta.PartialJSON}}

	case "signature_delta":
		// Signatures are a pure side channel: accumulated here, cached on
		// block stop, never block content.
		t.signature[se.Index] += se.Delta.Signature
		return nil

	default:
		return []chunk.Chunk{
			chunk.Error{Err: chunk.ErrorProtocol, Message: fmt.Sprintf("unrecognized delta type %q", se.Delta.Type)},
		}
	}
}

func (t *Translator) translateBlockStop(se *streamEvent) []chunk.Chunk {
	blockType := t.blockTypes[se.Index]
	delete(t.blockTypes, se.Index)

	switch blockType {
	case "tool_use":
		id := t.toolIDs[se.Index]
		args := t.toolArgs[se.Index]
		delete(t.toolIDs, se.Index)
		delete(t.toolArgs, se.Index)
		return []chunk.Chunk{chunk.ToolCallEnd{ID: id, Result: args}}

	case "thinking":
		sig := t.signature[se.Index]
		delete(t.signature, se.Index)
		if sig == "" {
			return nil
		}
		if t.signatures != nil && t.conversationKey != "" {
			t.signatures.Set(t.conversationKey, sig)
		}
		return []chunk.Chunk{chunk.Raw{
			ProviderTag:  t.Name(),
			Continuation: sig,
		}}

	default:
		return nil
	}
}
