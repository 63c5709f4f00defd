// Package provider translates provider-native stream events into the
// provider-agnostic chunk vocabulary. Each provider family ships its own
// stateful Translator that knows the discriminated event shapes of that
// provider's wire format; translation never throws on malformed input —
// unrecognized events surface as protocol-error chunks so a damaged stream
// stays self-healing.
package provider

import (
	"fmt"

	"github.com/loomworksco/loom/pkg/chunk"
	"github.com/loomworksco/loom/pkg/continuation"
	"github.com/loomworksco/loom/pkg/provider/anthropic"
	"github.com/loomworksco/loom/pkg/provider/ollama"
	"github.com/loomworksco/loom/pkg/provider/openai"
	"github.com/loomworksco/loom/pkg/provider/raw"
)

// Supported provider type constants.
const (
	Anthropic = "anthropic"
	OpenAI    = "openai"
	Ollama    = "ollama"
)

// SupportedProviders returns the list of all supported provider type names.
func SupportedProviders() []string {
	return []string{Anthropic, OpenAI, Ollama}
}

// Translator converts raw provider events into chunks. Translators are
// stateful (they track in-flight content block indices and tool calls) and
// serve exactly one stream each.
type Translator interface {
	// Name returns the canonical provider name.
	Name() string

	// Translate converts one raw event into zero or more chunks, in order.
	// Malformed events yield a protocol-error chunk rather than an error;
	// a malformed terminal signal additionally yields Finish so the stream
	// still terminates deterministically.
	Translate(ev *raw.Event) []chunk.Chunk
}

// Caches bundles the per-provider continuation caches. The caches are
// process-wide and shared across streams; translators receive them
// explicitly instead of reaching for package globals.
type Caches struct {
	// Signatures holds Anthropic thinking signatures keyed by conversation.
	Signatures *continuation.Cache[string]

	// Reasoning holds OpenAI encrypted reasoning items keyed by conversation.
	Reasoning *continuation.Cache[openai.ReasoningItem]
}

// NewCaches creates the standard pair of continuation caches.
func NewCaches() *Caches {
	return &Caches{
		Signatures: continuation.New[string](Anthropic),
		Reasoning:  continuation.New[openai.ReasoningItem](OpenAI),
	}
}

// NewTranslator creates a Translator for the given provider type, bound to a
// conversation key for continuation caching. Returns an error if the
// provider type is not recognized.
func NewTranslator(providerType, conversationKey string, caches *Caches) (Translator, error) {
	if caches == nil {
		caches = NewCaches()
	}

	switch providerType {
	case Anthropic:
		return anthropic.New(conversationKey, caches.Signatures), nil
	case OpenAI:
		return openai.New(conversationKey, caches.Reasoning), nil
	case Ollama:
		return ollama.New(), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %q (supported: %v)", providerType, SupportedProviders())
	}
}
