package blocks

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/loomworksco/loom/pkg/chunk"
)

// recordingPersister captures every write the manager performs.
type recordingPersister struct {
	mu       sync.Mutex
	blocks   map[string]*Block
	order    []string
	messages map[string]*Message

	// updates keeps every UpdateBlock snapshot in arrival order.
	updates []*Block

	failPutMessage error
	failPutBlock   error
	failUpdate     error
}

func newRecordingPersister() *recordingPersister {
	return &recordingPersister{
		blocks:   make(map[string]*Block),
		messages: make(map[string]*Message),
	}
}

func (p *recordingPersister) PutBlock(_ context.Context, b *Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPutBlock != nil {
		return p.failPutBlock
	}
	if _, ok := p.blocks[b.ID]; !ok {
		p.order = append(p.order, b.ID)
	}
	p.blocks[b.ID] = b
	return nil
}

func (p *recordingPersister) UpdateBlock(_ context.Context, b *Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failUpdate != nil {
		return p.failUpdate
	}
	p.updates = append(p.updates, b)
	p.blocks[b.ID] = b
	return nil
}

func (p *recordingPersister) PutMessage(_ context.Context, m *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPutMessage != nil {
		return p.failPutMessage
	}
	p.messages[m.ID] = m
	return nil
}

func (p *recordingPersister) UpdateMessage(_ context.Context, m *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[m.ID] = m
	return nil
}

func (p *recordingPersister) blockList() []*Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Block, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.blocks[id])
	}
	return out
}

func (p *recordingPersister) message(id string) *Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[id]
}

func (p *recordingPersister) streamingUpdates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, u := range p.updates {
		if u.Status == StatusStreaming {
			n++
		}
	}
	return n
}

var _ = Describe("Manager", func() {
	var (
		ctx context.Context
		p   *recordingPersister
		m   *Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		p = newRecordingPersister()
		m = NewManager(p)
	})

	AfterEach(func() {
		m.Cleanup()
	})

	feed := func(chunks ...chunk.Chunk) {
		for _, c := range chunks {
			Expect(m.OnChunk(ctx, c)).To(Succeed())
		}
	}

	It("materializes consecutive text deltas into one block", func() {
		feed(
			chunk.TextDelta{Text: "Hel"},
			chunk.TextDelta{Text: "lo"},
			chunk.Finish{Reason: chunk.FinishComplete},
		)

		blks := p.blockList()
		Expect(blks).To(HaveLen(1))
		Expect(blks[0].Kind).To(Equal(KindText))
		Expect(blks[0].Content).To(Equal("Hello"))
		Expect(blks[0].Status).To(Equal(StatusSuccess))

		msg := p.message(m.Message().ID)
		Expect(msg).NotTo(BeNil())
		Expect(msg.Status).To(Equal(StatusSuccess))
		Expect(msg.BlockIDs).To(Equal([]string{blks[0].ID}))
	})

	It("persists the message record before its first block", func() {
		feed(chunk.TextDelta{Text: "hi"})

		Expect(p.message(m.Message().ID)).NotTo(BeNil())
	})

	It("closes the text block and opens a reasoning block on a kind switch", func() {
		feed(
			chunk.TextDelta{Text: "answer"},
			chunk.ReasoningDelta{Text: "because"},
			chunk.Finish{Reason: chunk.FinishComplete},
		)

		blks := p.blockList()
		Expect(blks).To(HaveLen(2))
		Expect(blks[0].Kind).To(Equal(KindText))
		Expect(blks[0].Content).To(Equal("answer"))
		Expect(blks[0].Status).To(Equal(StatusSuccess))
		Expect(blks[1].Kind).To(Equal(KindReasoning))
		Expect(blks[1].Content).To(Equal("because"))
		Expect(blks[1].Status).To(Equal(StatusSuccess))

		msg := p.message(m.Message().ID)
		Expect(msg.BlockIDs).To(Equal([]string{blks[0].ID, blks[1].ID}))
	})

	It("assembles a tool call lifecycle into one closed block", func() {
		feed(
			chunk.ToolCallStart{ID: "call_1", Name: "get_weather"},
			chunk.ToolCallDelta{ID: "call_1", ArgsFragment: `{"city":`},
			chunk.ToolCallDelta{ID: "call_1", ArgsFragment: `"Oslo"}`},
			chunk.ToolCallEnd{ID: "call_1", Result: `{"city":"Oslo"}`},
		)

		blks := p.blockList()
		Expect(blks).To(HaveLen(1))
		b := blks[0]
		Expect(b.Kind).To(Equal(KindToolCall))
		// The block closes with the call end, before any Finish arrives.
		Expect(b.Status).To(Equal(StatusSuccess))
		Expect(b.ToolCall).NotTo(BeNil())
		Expect(b.ToolCall.ID).To(Equal("call_1"))
		Expect(b.ToolCall.Name).To(Equal("get_weather"))
		Expect(b.ToolCall.Args).To(Equal(`{"city":"Oslo"}`))
		Expect(b.ToolCall.Result).To(Equal(`{"city":"Oslo"}`))
		Expect(m.ActiveBlock()).To(BeNil())
	})

	It("opens a tool block for a fragment that arrives without its start", func() {
		feed(chunk.ToolCallDelta{ID: "call_9", ArgsFragment: `{"a":1}`})

		blks := p.blockList()
		Expect(blks).To(HaveLen(1))
		Expect(blks[0].Kind).To(Equal(KindToolCall))
		Expect(blks[0].ToolCall.Args).To(Equal(`{"a":1}`))
	})

	It("materializes an image as an already-closed block", func() {
		feed(chunk.Image{Data: []byte{0x89, 0x50}, MimeType: "image/png"})

		blks := p.blockList()
		Expect(blks).To(HaveLen(1))
		Expect(blks[0].Kind).To(Equal(KindImage))
		Expect(blks[0].Status).To(Equal(StatusSuccess))
		Expect(blks[0].Image.MimeType).To(Equal("image/png"))
		Expect(m.ActiveBlock()).To(BeNil())
	})

	It("records a recoverable error as an error block and keeps streaming", func() {
		feed(
			chunk.TextDelta{Text: "partial"},
			chunk.Error{Err: chunk.ErrorProtocol, Message: "unrecognized event"},
			chunk.TextDelta{Text: "more"},
			chunk.Finish{Reason: chunk.FinishComplete},
		)

		blks := p.blockList()
		Expect(blks).To(HaveLen(3))
		Expect(blks[0].Kind).To(Equal(KindText))
		Expect(blks[1].Kind).To(Equal(KindError))
		Expect(blks[1].Status).To(Equal(StatusError))
		Expect(blks[1].Content).To(Equal("unrecognized event"))
		Expect(blks[2].Kind).To(Equal(KindText))
		Expect(blks[2].Content).To(Equal("more"))

		// A recoverable error block does not fail the message.
		Expect(p.message(m.Message().ID).Status).To(Equal(StatusSuccess))
	})

	It("updates message metadata from raw chunks without touching blocks", func() {
		feed(
			chunk.Raw{ProviderTag: "openai", ItemID: "rs_1", Continuation: "enc"},
			chunk.Finish{Reason: chunk.FinishComplete},
		)

		Expect(p.blockList()).To(BeEmpty())

		msg := p.message(m.Message().ID)
		Expect(msg.Metadata).To(HaveKeyWithValue("continuation_item_id", "rs_1"))
		Expect(msg.Metadata).To(HaveKeyWithValue("continuation", "enc"))
	})

	Context("finalization", func() {
		It("marks the open block and message as errored on an aborted finish", func() {
			feed(
				chunk.TextDelta{Text: "cut off"},
				chunk.Finish{Reason: chunk.FinishAborted},
			)

			blks := p.blockList()
			Expect(blks).To(HaveLen(1))
			Expect(blks[0].Status).To(Equal(StatusError))
			Expect(p.message(m.Message().ID).Status).To(Equal(StatusError))
		})

		It("drops chunks arriving after finalize", func() {
			feed(
				chunk.TextDelta{Text: "done"},
				chunk.Finish{Reason: chunk.FinishComplete},
				chunk.TextDelta{Text: "late"},
			)

			blks := p.blockList()
			Expect(blks).To(HaveLen(1))
			Expect(blks[0].Content).To(Equal("done"))
		})

		It("only takes effect once", func() {
			feed(chunk.TextDelta{Text: "x"})

			Expect(m.Finalize(ctx, ReasonComplete)).To(Succeed())
			Expect(m.Finalize(ctx, ReasonError)).To(Succeed())

			// The second call must not overwrite the terminal status.
			Expect(p.message(m.Message().ID).Status).To(Equal(StatusSuccess))
		})

		It("finalizes an empty stream to a message with no blocks", func() {
			Expect(m.Finalize(ctx, ReasonComplete)).To(Succeed())

			msg := p.message(m.Message().ID)
			Expect(msg).NotTo(BeNil())
			Expect(msg.Status).To(Equal(StatusSuccess))
			Expect(msg.BlockIDs).To(BeEmpty())
		})
	})

	Context("persistence failures", func() {
		It("propagates a failed message create", func() {
			p.failPutMessage = errors.New("disk full")

			err := m.OnChunk(ctx, chunk.TextDelta{Text: "x"})

			var perr PersistenceError
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.Op).To(Equal("message"))
		})

		It("propagates a failed block open", func() {
			p.failPutBlock = errors.New("disk full")

			err := m.OnChunk(ctx, chunk.TextDelta{Text: "x"})

			var perr PersistenceError
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.Op).To(Equal("block"))
		})

		It("propagates a failed mandatory close", func() {
			feed(chunk.TextDelta{Text: "x"})
			p.failUpdate = errors.New("disk full")

			err := m.Finalize(ctx, ReasonComplete)

			var perr PersistenceError
			Expect(errors.As(err, &perr)).To(BeTrue())
		})
	})

	Context("throttled partial persistence", func() {
		It("flushes streaming snapshots between deltas", func() {
			m.Cleanup()
			m = NewManager(p, WithThrottleInterval(5*time.Millisecond))

			Expect(m.OnChunk(ctx, chunk.TextDelta{Text: "Hel"})).To(Succeed())
			Expect(m.OnChunk(ctx, chunk.TextDelta{Text: "lo"})).To(Succeed())

			// The throttle tick flushes a partial snapshot while the block
			// is still streaming.
			Eventually(p.streamingUpdates).Should(BeNumerically(">=", 1))

			Expect(m.OnChunk(ctx, chunk.Finish{Reason: chunk.FinishComplete})).To(Succeed())

			blks := p.blockList()
			Expect(blks).To(HaveLen(1))
			Expect(blks[0].Content).To(Equal("Hello"))
			Expect(blks[0].Status).To(Equal(StatusSuccess))
		})

		It("coalesces deltas even when the interval is zero", func() {
			m.Cleanup()
			m = NewManager(p, WithThrottleInterval(0))

			for n := 0; n < 50; n++ {
				Expect(m.OnChunk(ctx, chunk.TextDelta{Text: "x"})).To(Succeed())
			}

			// A zero interval falls back to the default window: one partial
			// write lands per window, never one per delta.
			Eventually(p.streamingUpdates, time.Second).Should(Equal(1))
			Consistently(p.streamingUpdates, 100*time.Millisecond).Should(Equal(1))
		})

		It("cancels the pending partial when the block closes", func() {
			m.Cleanup()
			m = NewManager(p, WithThrottleInterval(time.Hour))

			Expect(m.OnChunk(ctx, chunk.TextDelta{Text: "x"})).To(Succeed())
			Expect(m.OnChunk(ctx, chunk.TextDelta{Text: "y"})).To(Succeed())
			Expect(m.OnChunk(ctx, chunk.Finish{Reason: chunk.FinishComplete})).To(Succeed())

			// Only the mandatory close update lands; the hour-long throttle
			// window never fires.
			p.mu.Lock()
			updates := len(p.updates)
			p.mu.Unlock()
			Expect(updates).To(Equal(1))
		})
	})

	It("attaches to an existing message when configured", func() {
		existing := NewMessage()
		m.Cleanup()
		m = NewManager(p, WithMessage(existing))

		feed(chunk.TextDelta{Text: "x"}, chunk.Finish{Reason: chunk.FinishComplete})

		Expect(m.Message().ID).To(Equal(existing.ID))
		Expect(p.message(existing.ID)).NotTo(BeNil())
	})
})
