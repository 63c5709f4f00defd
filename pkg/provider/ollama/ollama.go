// Package ollama translates Ollama chat stream events into chunks. Ollama
// streams newline-delimited JSON, one chat response document per line, with
// the terminal line flagged done=true.
package ollama

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/loomworksco/loom/pkg/chunk"
	"github.com/loomworksco/loom/pkg/provider/raw"
)

// Translator converts Ollama NDJSON lines into chunks. Ollama needs no
// continuation cache; its models carry no cross-turn opaque state.
type Translator struct{}

// New creates a translator.
func New() *Translator { return &Translator{} }

// Name returns the canonical provider name.
func (t *Translator) Name() string { return "ollama" }

// chatLine is the wire shape of one streamed Ollama chat response line.
type chatLine struct {
	Message *struct {
		Content  string   `json:"content"`
		Thinking string   `json:"thinking"`
		Images   []string `json:"images"`
	} `json:"message"`

	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
	Error      string `json:"error"`
}

// Translate converts one raw event into chunks.
func (t *Translator) Translate(ev *raw.Event) []chunk.Chunk {
	var line chatLine
	if err := json.Unmarshal(ev.Data, &line); err != nil {
		return []chunk.Chunk{
			chunk.Error{Err: chunk.ErrorProtocol, Message: fmt.Sprintf("malformed chat line: %v", err)},
		}
	}

	if line.Error != "" {
		return []chunk.Chunk{
			chunk.Error{Err: chunk.ErrorProvider, Message: line.Error},
			chunk.Finish{Reason: chunk.FinishError},
		}
	}

	var out []chunk.Chunk

	if line.Message != nil {
		if line.Message.Thinking != "" {
			out = append(out, chunk.ReasoningDelta{Text: line.Message.Thinking})
		}
		if line.Message.Content != "" {
			out = append(out, chunk.TextDelta{Text: line.Message.Content})
		}
		for _, img := range line.Message.Images {
			data, err := base64.StdEncoding.DecodeString(img)
			if err != nil {
				out = append(out, chunk.Error{
					Err:     chunk.ErrorProtocol,
					Message: fmt.Sprintf("undecodable inline image: %v", err),
				})
				continue
			}
			out = append(out, chunk.Image{Data: data, MimeType: "image/png"})
		}
	}

	if line.Done {
		out = append(out, chunk.Finish{Reason: chunk.FinishComplete})
	}

	return out
}
