package anthropic

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/loomworksco/loom/pkg/chunk"
	"github.com/loomworksco/loom/pkg/continuation"
	"github.com/loomworksco/loom/pkg/provider/raw"
)

func TestAnthropic(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Anthropic Suite")
}

func event(typ, data string) *raw.Event {
	return &raw.Event{Type: typ, Data: []byte(data)}
}

var _ = Describe("Translator", func() {
	var (
		sigs *continuation.Cache[string]
		tr   *Translator
	)

	BeforeEach(func() {
		sigs = continuation.New[string]("anthropic")
		tr = New("conv-1", sigs)
	})

	It("reports its provider name", func() {
		Expect(tr.Name()).To(Equal("anthropic"))
	})

	It("ignores pings", func() {
		Expect(tr.Translate(event("ping", `{"type":"ping"}`))).To(BeEmpty())
	})

	It("passes message_start through as a raw metadata chunk", func() {
		out := tr.Translate(event("message_start", `{"type":"message_start","message":{"id":"msg_1"}}`))
		Expect(out).To(HaveLen(1))
		Expect(out[0].Kind()).To(Equal(chunk.KindRaw))
	})

	It("translates text deltas", func() {
		out := tr.Translate(event("content_block_delta",
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`))
		Expect(out).To(Equal([]chunk.Chunk{chunk.TextDelta{Text: "Hello"}}))
	})

	It("translates thinking deltas into reasoning deltas", func() {
		out := tr.Translate(event("content_block_delta",
			`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`))
		Expect(out).To(Equal([]chunk.Chunk{chunk.ReasoningDelta{Text: "hmm"}}))
	})

	It("translates message_stop into an orderly Finish", func() {
		out := tr.Translate(event("message_stop", `{"type":"message_stop"}`))
		Expect(out).To(Equal([]chunk.Chunk{chunk.Finish{Reason: chunk.FinishComplete}}))
	})

	Context("tool use blocks", func() {
		It("translates the full tool call lifecycle", func() {
			start := tr.Translate(event("content_block_start",
				`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`))
			Expect(start).To(Equal([]chunk.Chunk{chunk.ToolCallStart{ID: "toolu_1", Name: "get_weather"}}))

			d1 := tr.Translate(event("content_block_delta",
				`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`))
			Expect(d1).To(Equal([]chunk.Chunk{chunk.ToolCallDelta{ID: "toolu_1", ArgsFragment: `{"city":`}}))

			d2 := tr.Translate(event("content_block_delta",
				`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Oslo\"}"}}`))
			Expect(d2).To(Equal([]chunk.Chunk{chunk.ToolCallDelta{ID: "toolu_1", ArgsFragment: `"Oslo"}`}}))

			stop := tr.Translate(event("content_block_stop",
				`{"type":"content_block_stop","index":1}`))
			Expect(stop).To(Equal([]chunk.Chunk{chunk.ToolCallEnd{ID: "toolu_1", Result: `{"city":"Oslo"}`}}))
		})

		It("tracks concurrent blocks by index", func() {
			tr.Translate(event("content_block_start",
				`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_a","name":"a"}}`))
			tr.Translate(event("content_block_start",
				`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_b","name":"b"}}`))

			out := tr.Translate(event("content_block_delta",
				`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{}"}}`))
			Expect(out).To(Equal([]chunk.Chunk{chunk.ToolCallDelta{ID: "toolu_b", ArgsFragment: "{}"}}))
		})
	})

	Context("thinking signatures", func() {
		It("accumulates signature deltas silently and caches on block stop", func() {
			tr.Translate(event("content_block_start",
				`{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`))

			out := tr.Translate(event("content_block_delta",
				`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-part-1"}}`))
			Expect(out).To(BeEmpty())

			tr.Translate(event("content_block_delta",
				`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-part-2"}}`))

			stop := tr.Translate(event("content_block_stop",
				`{"type":"content_block_stop","index":0}`))
			Expect(stop).To(HaveLen(1))
			r, ok := stop[0].(chunk.Raw)
			Expect(ok).To(BeTrue())
			Expect(r.Continuation).To(Equal("sig-part-1sig-part-2"))

			cached, found := sigs.Get("conv-1")
			Expect(found).To(BeTrue())
			Expect(cached).To(Equal("sig-part-1sig-part-2"))
		})

		It("emits nothing for a thinking block without a signature", func() {
			tr.Translate(event("content_block_start",
				`{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`))
			out := tr.Translate(event("content_block_stop",
				`{"type":"content_block_stop","index":0}`))
			Expect(out).To(BeEmpty())
		})

		It("does not cache without a conversation key", func() {
			anon := New("", sigs)
			anon.Translate(event("content_block_start",
				`{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`))
			anon.Translate(event("content_block_delta",
				`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig"}}`))
			anon.Translate(event("content_block_stop", `{"type":"content_block_stop","index":0}`))

			_, found := sigs.Get("")
			Expect(found).To(BeFalse())
		})
	})

	Context("error handling", func() {
		It("translates a provider error event into error plus errored Finish", func() {
			out := tr.Translate(event("error",
				`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
			Expect(out).To(Equal([]chunk.Chunk{
				chunk.Error{Err: chunk.ErrorProvider, Message: "Overloaded"},
				chunk.Finish{Reason: chunk.FinishError},
			}))
		})

		It("yields a protocol error for malformed JSON and keeps the stream alive", func() {
			out := tr.Translate(event("content_block_delta", `{not json`))
			Expect(out).To(HaveLen(1))
			e, ok := out[0].(chunk.Error)
			Expect(ok).To(BeTrue())
			Expect(e.Err).To(Equal(chunk.ErrorProtocol))
		})

		It("terminates the stream on a malformed message_stop", func() {
			out := tr.Translate(event("message_stop", `{not json`))
			Expect(out).To(HaveLen(2))
			Expect(out[0].Kind()).To(Equal(chunk.KindError))
			Expect(out[1]).To(Equal(chunk.Finish{Reason: chunk.FinishError}))
		})

		It("yields a protocol error for an unrecognized event type", func() {
			out := tr.Translate(event("mystery", `{"type":"mystery"}`))
			Expect(out).To(HaveLen(1))
			e, ok := out[0].(chunk.Error)
			Expect(ok).To(BeTrue())
			Expect(e.Err).To(Equal(chunk.ErrorProtocol))
			Expect(e.Message).To(ContainSubstring("mystery"))
		})

		It("yields a protocol error for a block start without a content block", func() {
			out := tr.Translate(event("content_block_start", `{"type":"content_block_start","index":0}`))
			Expect(out).To(HaveLen(1))
			Expect(out[0].Kind()).To(Equal(chunk.KindError))
		})
	})
})
