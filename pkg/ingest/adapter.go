// Package ingest drives the translation of a raw provider stream into an
// ordered sequence of chunks, enforcing liveness with an idle guard and
// composing it with caller cancellation. The adapter owns the read loop:
// it drains every raw event that is readable before cancellation, releases
// the source on every exit path, and guarantees the chunk sequence always
// terminates with exactly one Finish.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomworksco/loom/pkg/chunk"
	"github.com/loomworksco/loom/pkg/idle"
	"github.com/loomworksco/loom/pkg/provider"
	"github.com/loomworksco/loom/pkg/provider/raw"
)

// RawSource is a pull-based reader of raw provider events. Next returns
// nil, nil when the source is exhausted. Close releases the underlying
// transport and must unblock a pending Next.
type RawSource interface {
	Next() (*raw.Event, error)
	Close() error
}

// FinalText resolves to the fully assembled assistant text once the stream
// ends. The adapter uses it for a final consistency pass; consumers that
// need the final string do not re-assemble it from deltas.
type FinalText func(ctx context.Context) (string, error)

// Emit receives each translated chunk in stream order. Returning an error
// stops processing and propagates to the ProcessStream caller.
type Emit func(chunk.Chunk) error

// Adapter translates one raw provider stream into chunks.
type Adapter struct {
	translator  provider.Translator
	idleTimeout time.Duration
	logger      *zap.Logger

	// visibleAbort surfaces caller cancellation as an error chunk instead
	// of ending the stream silently.
	visibleAbort bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithIdleTimeout sets the idle window after which a silent stream is
// cancelled. Zero disables the idle guard.
func WithIdleTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.idleTimeout = d }
}

// WithLogger sets the adapter's logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithVisibleAbort makes caller cancellation emit an error chunk before the
// terminal Finish.
func WithVisibleAbort(visible bool) Option {
	return func(a *Adapter) { a.visibleAbort = visible }
}

// NewAdapter creates an adapter around the given translator.
func NewAdapter(tr provider.Translator, opts ...Option) *Adapter {
	a := &Adapter{
		translator: tr,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// readResult carries one read off the source goroutine.
type readResult struct {
	ev  *raw.Event
	err error
}

// errIdleTimeout is the internal cancellation cause set by the idle guard.
var errIdleTimeout = errors.New("idle timeout")

// ProcessStream reads raw events from src until the translator emits Finish,
// the source is exhausted, the idle guard fires, or ctx is cancelled. Every
// translated chunk is handed to emit in order. The returned error is nil on
// orderly completion, a TimeoutError after an idle fire, an AbortError after
// caller cancellation, or the underlying read/emit failure.
func (a *Adapter) ProcessStream(ctx context.Context, src RawSource, final FinalText, emit Emit) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	guard := idle.Arm(a.idleTimeout, func() {
		cancel(errIdleTimeout)
	})
	defer guard.Disarm()

	// The reader goroutine owns src.Next; closing the source unblocks a
	// pending read so the goroutine always terminates.
	reads := make(chan readResult)
	go func() {
		defer close(reads)
		for {
			ev, err := src.Next()
			select {
			case reads <- readResult{ev: ev, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil || ev == nil {
				return
			}
		}
	}()
	defer src.Close()

	var assembled strings.Builder

	for {
		select {
		case <-ctx.Done():
			return a.settleCancelled(ctx, guard, emit)

		case r, ok := <-reads:
			if !ok {
				// Reader goroutine exited after a terminal result that the
				// loop below already handled; only reachable when the
				// channel closes between iterations.
				return a.settleExhausted(ctx, final, &assembled, emit)
			}

			if r.err != nil {
				a.logger.Error("raw stream read failed", zap.Error(r.err))
				if err := emitAll(emit,
					chunk.Error{Err: chunk.ErrorProtocol, Message: r.err.Error()},
					chunk.Finish{Reason: chunk.FinishError},
				); err != nil {
					return err
				}
				return fmt.Errorf("reading raw stream: %w", r.err)
			}

			if r.ev == nil {
				return a.settleExhausted(ctx, final, &assembled, emit)
			}

			// Any readable event, including a provider abort, counts as
			// liveness.
			guard.Reset()

			finished, err := a.translateAndEmit(r.ev, &assembled, emit)
			if err != nil {
				return err
			}
			if finished {
				return nil
			}
		}
	}
}

// translateAndEmit runs one raw event through the translator and forwards
// the resulting chunks. Returns finished=true once a Finish chunk has been
// emitted.
func (a *Adapter) translateAndEmit(ev *raw.Event, assembled *strings.Builder, emit Emit) (bool, error) {
	for _, c := range a.translator.Translate(ev) {
		if td, ok := c.(chunk.TextDelta); ok {
			assembled.WriteString(td.Text)
		}

		if err := emit(c); err != nil {
			return false, fmt.Errorf("emitting chunk: %w", err)
		}

		if c.Kind() == chunk.KindFinish {
			return true, nil
		}
	}
	return false, nil
}

// settleCancelled emits the terminal chunks for an idle fire or a caller
// abort and returns the matching error.
func (a *Adapter) settleCancelled(ctx context.Context, guard *idle.Guard, emit Emit) error {
	if guard.Fired() || errors.Is(context.Cause(ctx), errIdleTimeout) {
		terr := TimeoutError{After: guard.Timeout()}
		if err := emitAll(emit,
			chunk.Error{Err: chunk.ErrorTimeout, Message: terr.Error()},
			chunk.Finish{Reason: chunk.FinishAborted},
		); err != nil {
			return err
		}
		return terr
	}

	// Caller cancellation is silent unless a visible abort was requested.
	if a.visibleAbort {
		if err := emit(chunk.Error{Err: chunk.ErrorAborted, Message: "stream aborted"}); err != nil {
			return err
		}
	}
	if err := emit(chunk.Finish{Reason: chunk.FinishAborted}); err != nil {
		return err
	}
	return AbortError{Cause: context.Cause(ctx)}
}

// settleExhausted handles a source that ran out of events without a terminal
// signal: it performs the final-text consistency pass and emits an orderly
// Finish.
func (a *Adapter) settleExhausted(ctx context.Context, final FinalText, assembled *strings.Builder, emit Emit) error {
	if final != nil {
		full, err := final(ctx)
		if err != nil {
			a.logger.Warn("final text unavailable, skipping consistency pass", zap.Error(err))
		} else if tail, ok := strings.CutPrefix(full, assembled.String()); ok && tail != "" {
			// The provider assembled more text than the deltas carried
			// (dropped events mid-stream); emit the missing tail so block
			// content matches the authoritative final string.
			if err := emit(chunk.TextDelta{Text: tail}); err != nil {
				return err
			}
		}
	}

	return emit(chunk.Finish{Reason: chunk.FinishComplete})
}

func emitAll(emit Emit, chunks ...chunk.Chunk) error {
	for _, c := range chunks {
		if err := emit(c); err != nil {
			return err
		}
	}
	return nil
}
