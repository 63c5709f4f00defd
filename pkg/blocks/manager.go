package blocks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworksco/loom/pkg/chunk"
	"github.com/loomworksco/loom/pkg/throttle"
)

// FinalizeReason explains why a message's streaming ended.
type FinalizeReason string

const (
	ReasonComplete FinalizeReason = "complete"
	ReasonError    FinalizeReason = "error"
	ReasonAborted  FinalizeReason = "aborted"
)

// Manager maintains the active block for one in-flight assistant message.
// OnChunk calls arrive strictly sequentially from a single producer (the
// chunk adapter for that message); the Manager performs no internal
// concurrency beyond coordinating with the throttle scheduler.
type Manager struct {
	persister Persister
	sched     *throttle.Scheduler[string]
	ownSched  bool
	logger    *zap.Logger

	msg    *Message
	active *Block

	started   bool
	finalized bool

	// cleanupOnce makes Cleanup idempotent across the normal completion
	// path and an external abort handler.
	cleanupOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithMessage attaches the manager to an existing message instead of
// creating a fresh one.
func WithMessage(msg *Message) ManagerOption {
	return func(m *Manager) { m.msg = msg }
}

// WithScheduler shares an external throttle scheduler across managers. The
// manager will not close a shared scheduler on Cleanup.
func WithScheduler(s *throttle.Scheduler[string]) ManagerOption {
	return func(m *Manager) {
		m.sched = s
		m.ownSched = false
	}
}

// WithThrottleInterval sets the coalescing window for partial persistence.
// A non-positive duration falls back to the scheduler's default window.
func WithThrottleInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.sched = throttle.NewWithInterval[string](d)
		m.ownSched = true
	}
}

// NewManager creates a manager writing through p.
func NewManager(p Persister, opts ...ManagerOption) *Manager {
	m := &Manager{
		persister: p,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.msg == nil {
		m.msg = NewMessage()
	}
	if m.sched == nil {
		m.sched = throttle.New[string]()
		m.ownSched = true
	}
	return m
}

// Message returns the owning message aggregate.
func (m *Manager) Message() *Message {
	return m.msg
}

// ActiveBlock returns the currently streaming block, or nil.
func (m *Manager) ActiveBlock() *Block {
	return m.active
}

// OnChunk routes one chunk through the dispatch table. Mandatory writes
// (block open, block close, finalize) propagate persistence failures;
// throttled partial writes are logged and retried at the next tick.
func (m *Manager) OnChunk(ctx context.Context, c chunk.Chunk) error {
	if m.finalized {
		m.logger.Debug("chunk after finalize dropped", zap.String("kind", string(c.Kind())))
		return nil
	}

	if err := m.ensureStarted(ctx); err != nil {
		return err
	}

	activeKind := Kind("")
	if m.active != nil {
		activeKind = m.active.Kind
	}

	switch Decide(c.Kind(), activeKind, m.active != nil) {
	case ActionMetadataOnly:
		m.applyMetadata(c)
		return nil

	case ActionFinalize:
		fin, _ := c.(chunk.Finish)
		return m.Finalize(ctx, reasonFromFinish(fin.Reason))

	case ActionContinue:
		m.applyPayload(m.active, c)
		if c.Kind() == chunk.KindToolCallEnd {
			// The tool call is complete; its block closes with it.
			return m.closeActive(ctx, StatusSuccess)
		}
		m.schedulePartial()
		return nil

	case ActionCloseAndOpen:
		if err := m.closeActive(ctx, StatusSuccess); err != nil {
			return err
		}
		return m.open(ctx, c)

	default:
		return nil
	}
}

// Finalize closes the active block and the message. Safe to call more than
// once; only the first call takes effect. The flush here is mandatory and
// non-throttled: its failure propagates to the caller.
func (m *Manager) Finalize(ctx context.Context, reason FinalizeReason) error {
	if m.finalized {
		return nil
	}
	m.finalized = true

	if err := m.ensureStarted(ctx); err != nil {
		return err
	}

	blockStatus := StatusSuccess
	msgStatus := StatusSuccess
	if reason != ReasonComplete {
		blockStatus = StatusError
		msgStatus = StatusError
	}

	if err := m.closeActive(ctx, blockStatus); err != nil {
		return err
	}

	m.msg.Status = msgStatus
	m.msg.UpdatedAt = time.Now().UTC()
	if err := m.persister.UpdateMessage(ctx, m.msg.Clone()); err != nil {
		return PersistenceError{Op: "message", ID: m.msg.ID, Err: err}
	}

	m.logger.Debug("message finalized",
		zap.String("message_id", m.msg.ID),
		zap.String("reason", string(reason)),
		zap.Int("blocks", len(m.msg.BlockIDs)),
	)

	return nil
}

// Cleanup cancels pending throttle timers and releases references.
// Idempotent; callable from both normal completion and an abort handler.
func (m *Manager) Cleanup() {
	m.cleanupOnce.Do(func() {
		if m.active != nil {
			m.sched.Cancel(m.active.ID)
		}
		if m.ownSched {
			m.sched.Close()
		}
		m.active = nil
	})
}

// ensureStarted persists the message record before its first block.
func (m *Manager) ensureStarted(ctx context.Context) error {
	if m.started {
		return nil
	}
	if err := m.persister.PutMessage(ctx, m.msg.Clone()); err != nil {
		return PersistenceError{Op: "message", ID: m.msg.ID, Err: err}
	}
	m.started = true
	return nil
}

// open creates a block for c, applies the payload, and performs the
// mandatory create write. Self-terminal chunks (images, errors, a stray
// tool-call-end) produce a block that is already closed.
func (m *Manager) open(ctx context.Context, c chunk.Chunk) error {
	b := newBlock(m.msg.ID, BlockKind(c.Kind()))
	m.applyPayload(b, c)

	switch c.Kind() {
	case chunk.KindError:
		b.Status = StatusError
	case chunk.KindImage, chunk.KindToolCallEnd:
		b.Status = StatusSuccess
	}

	m.msg.BlockIDs = append(m.msg.BlockIDs, b.ID)
	m.msg.UpdatedAt = time.Now().UTC()

	if err := m.persister.PutBlock(ctx, b.Clone()); err != nil {
		return PersistenceError{Op: "block", ID: b.ID, Err: err}
	}

	if !b.Status.Terminal() {
		m.active = b
	}
	return nil
}

// closeActive finalizes the active block with the given terminal status and
// performs the mandatory flush. A no-op in the NoActiveBlock state.
func (m *Manager) closeActive(ctx context.Context, status Status) error {
	if m.active == nil {
		return nil
	}

	b := m.active
	m.active = nil
	m.sched.Cancel(b.ID)

	b.Status = status
	b.UpdatedAt = time.Now().UTC()

	if err := m.persister.UpdateBlock(ctx, b.Clone()); err != nil {
		return PersistenceError{Op: "block", ID: b.ID, Err: err}
	}
	return nil
}

// applyPayload merges a chunk's payload into b and moves it to streaming.
func (m *Manager) applyPayload(b *Block, c chunk.Chunk) {
	switch v := c.(type) {
	case chunk.TextDelta:
		b.Content += v.Text
	case chunk.ReasoningDelta:
		b.Content += v.Text
	case chunk.ToolCallStart:
		b.ToolCall = &ToolCall{ID: v.ID, Name: v.Name}
	case chunk.ToolCallDelta:
		if b.ToolCall == nil {
			b.ToolCall = &ToolCall{ID: v.ID}
		}
		b.ToolCall.Args += v.ArgsFragment
	case chunk.ToolCallEnd:
		if b.ToolCall == nil {
			b.ToolCall = &ToolCall{ID: v.ID}
		}
		b.ToolCall.Result = v.Result
	case chunk.Image:
		b.Image = &ImageRef{MimeType: v.MimeType, Data: v.Data}
	case chunk.Error:
		b.Content = v.Message
	}

	if !b.Status.Terminal() {
		b.Status = StatusStreaming
	}
	b.UpdatedAt = time.Now().UTC()
}

// applyMetadata records continuation side-data from raw chunks on the
// message. Raw chunks never open or close blocks.
func (m *Manager) applyMetadata(c chunk.Chunk) {
	r, ok := c.(chunk.Raw)
	if !ok {
		return
	}

	if m.msg.Metadata == nil {
		m.msg.Metadata = make(map[string]string)
	}
	if r.ItemID != "" {
		m.msg.Metadata["continuation_item_id"] = r.ItemID
	}
	if r.Continuation != "" {
		m.msg.Metadata["continuation"] = r.Continuation
	}
	m.msg.UpdatedAt = time.Now().UTC()
}

// schedulePartial enqueues a throttled partial write of the active block.
// Failures are logged and retried implicitly at the next tick.
func (m *Manager) schedulePartial() {
	if m.active == nil {
		return
	}

	snapshot := m.active.Clone()
	m.sched.Schedule(snapshot.ID, func() {
		if err := m.persister.UpdateBlock(context.Background(), snapshot); err != nil {
			m.logger.Warn("partial block persist failed, will retry at next tick",
				zap.String("block_id", snapshot.ID),
				zap.Error(err),
			)
		}
	})
}

// reasonFromFinish maps a stream finish reason to a finalize reason.
func reasonFromFinish(r chunk.FinishReason) FinalizeReason {
	switch r {
	case chunk.FinishAborted:
		return ReasonAborted
	case chunk.FinishError:
		return ReasonError
	default:
		return ReasonComplete
	}
}
