// Package openai translates OpenAI Chat Completions stream chunks into
// chunks. The Chat Completions API frames its stream as untyped SSE "data:"
// events carrying chat.completion.chunk JSON documents, terminated by the
// "[DONE]" sentinel.
package openai

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/loomworksco/loom/pkg/chunk"
	"github.com/loomworksco/loom/pkg/continuation"
	"github.com/loomworksco/loom/pkg/provider/raw"
)

// doneSentinel terminates an OpenAI SSE stream.
var doneSentinel = []byte("[DONE]")

// ReasoningItem is the opaque encrypted reasoning state some OpenAI models
// attach to a response. It must be echoed back on the next turn of the same
// conversation to preserve model-side reasoning context.
type ReasoningItem struct {
	ItemID           string `json:"item_id"`
	EncryptedContent string `json:"encrypted_content"`
}

// Translator converts OpenAI stream chunks into chunks. It tracks tool call
// indices so argument fragments can be attributed to the call they extend.
type Translator struct {
	conversationKey string
	reasoning       *continuation.Cache[ReasoningItem]

	// toolIDs maps the provider's tool_calls array index to the call id,
	// which later fragments omit.
	toolIDs map[int]string

	// openTools preserves announcement order for synthesizing ToolCallEnd
	// when the finish_reason arrives.
	openTools []int

	// toolArgs accumulates argument fragments per tool index.
	toolArgs map[int]string
}

// New creates a translator bound to a conversation key. Encrypted reasoning
// items observed on the stream are written into items under that key.
func New(conversationKey string, items *continuation.Cache[ReasoningItem]) *Translator {
	return &Translator{
		conversationKey: conversationKey,
		reasoning:       items,
		toolIDs:         make(map[int]string),
		toolArgs:        make(map[int]string),
	}
}

// Name returns the canonical provider name.
func (t *Translator) Name() string { return "openai" }

// completionChunk is the wire shape of a chat.completion.chunk document,
// including the reasoning extensions emitted by reasoning-capable models.
type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`

	Reasoning *ReasoningItem `json:"reasoning"`

	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Translate converts one raw event into chunks.
func (t *Translator) Translate(ev *raw.Event) []chunk.Chunk {
	if bytes.Equal(bytes.TrimSpace(ev.Data), doneSentinel) {
		return []chunk.Chunk{chunk.Finish{Reason: chunk.FinishComplete}}
	}

	var cc completionChunk
	if err := json.Unmarshal(ev.Data, &cc); err != nil {
		return []chunk.Chunk{
			chunk.Error{Err: chunk.ErrorProtocol, Message: fmt.Sprintf("malformed completion chunk: %v", err)},
		}
	}

	if cc.Error != nil {
		return []chunk.Chunk{
			chunk.Error{Err: chunk.ErrorProvider, Message: cc.Error.Message},
			chunk.Finish{Reason: chunk.FinishError},
		}
	}

	var out []chunk.Chunk

	if cc.Reasoning != nil && cc.Reasoning.ItemID != "" {
		if t.reasoning != nil && t.conversationKey != "" {
			t.reasoning.Set(t.conversationKey, *cc.Reasoning)
		}
		out = append(out, chunk.Raw{
			ProviderTag:  t.Name(),
			ItemID:       cc.Reasoning.ItemID,
			Continuation: cc.Reasoning.EncryptedContent,
		})
	}

	if len(cc.Choices) == 0 {
		// Usage-only chunks (stream_options include_usage) have an empty
		// choices array; pass them through as message metadata.
		if len(out) == 0 {
			out = append(out, chunk.Raw{ProviderTag: t.Name(), Payload: ev.Data})
		}
		return out
	}

	choice := cc.Choices[0]

	if choice.Delta.ReasoningContent != "" {
		out = append(out, chunk.ReasoningDelta{Text: choice.Delta.ReasoningContent})
	}

	if choice.Delta.Content != "" {
		out = append(out, chunk.TextDelta{Text: choice.Delta.Content})
	}

	for _, tc := range choice.Delta.ToolCalls {
		if tc.ID != "" {
			// First fragment announces the call.
			t.toolIDs[tc.Index] = tc.ID
			t.openTools = append(t.openTools, tc.Index)
			out = append(out, chunk.ToolCallStart{ID: tc.ID, Name: tc.Function.Name})
		}
		if tc.Function.Arguments != "" {
			t.toolArgs[tc.Index] += tc.Function.Arguments
			out = append(out, chunk.ToolCallDelta{
				ID:           t.toolIDs[tc.Index],
				ArgsFragment: tc.Function.Arguments,
			})
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		// Close any announced tool calls in order; the assembled argument
		// JSON stands in for the call payload.
		for _, idx := range t.openTools {
			out = append(out, chunk.ToolCallEnd{ID: t.toolIDs[idx], Result: t.toolArgs[idx]})
			delete(t.toolIDs, idx)
			delete(t.toolArgs, idx)
		}
		t.openTools = nil
	}

	return out
}
