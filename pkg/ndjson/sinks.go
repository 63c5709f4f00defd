package ndjson

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
)

// WriterSink adapts any io.Writer into a Sink that is never full. Closing is
// forwarded when the writer is an io.Closer. Used for file exports, where
// the OS write path provides its own blocking backpressure.
type WriterSink struct {
	w io.Writer
}

// NewWriterSink wraps w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(p []byte) (int, error)    { return s.w.Write(p) }
func (s *WriterSink) Full() bool                     { return false }
func (s *WriterSink) Drain(context.Context) error    { return nil }
func (s *WriterSink) CloseWithError(err error) error { return s.Close() }

func (s *WriterSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// BufferSink is an in-memory Sink with a byte capacity. It reports full once
// buffered bytes reach the capacity and unblocks Drain when a consumer takes
// the buffered data. Primarily a test double, but also the export target for
// in-process consumers.
type BufferSink struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	capacity int
	ready    chan struct{}
	closed   bool
	closeErr error
}

// NewBufferSink creates a sink that reports full at the given byte capacity.
// A capacity <= 0 means unlimited.
func NewBufferSink(capacity int) *BufferSink {
	return &BufferSink{
		capacity: capacity,
		ready:    make(chan struct{}),
	}
}

func (s *BufferSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *BufferSink) Full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity > 0 && s.buf.Len() >= s.capacity
}

// Drain blocks until a consumer calls Take or the context is done.
func (s *BufferSink) Drain(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take removes and returns all buffered bytes, releasing any producer
// suspended in Drain.
func (s *BufferSink) Take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	s.buf.Reset()

	close(s.ready)
	s.ready = make(chan struct{})

	return out
}

// Bytes returns a copy of the currently buffered bytes without consuming.
func (s *BufferSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out
}

// Lines splits the buffered content into its non-empty JSON lines.
func (s *BufferSink) Lines() []string {
	var lines []string
	for _, l := range strings.Split(string(s.Bytes()), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func (s *BufferSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *BufferSink) CloseWithError(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeErr = err
	return nil
}

// Closed reports whether the sink received an end-of-stream signal, and the
// error it carried, if any.
func (s *BufferSink) Closed() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeErr
}
