package ingest

import (
	"bufio"
	"io"

	"github.com/loomworksco/loom/pkg/provider/raw"
	"github.com/loomworksco/loom/pkg/sse"
)

// SSESource adapts an SSE byte stream (Anthropic, OpenAI) into a RawSource.
type SSESource struct {
	reader *sse.Reader
	body   io.ReadCloser
}

// NewSSESource reads SSE events from body.
func NewSSESource(body io.ReadCloser) *SSESource {
	return &SSESource{
		reader: sse.NewReader(body),
		body:   body,
	}
}

// NewSSETeeSource reads SSE events from body while copying the raw bytes
// verbatim to dest, so a downstream client can consume the stream unchanged.
func NewSSETeeSource(body io.ReadCloser, dest io.Writer) *SSESource {
	return &SSESource{
		reader: sse.NewTeeReader(body, dest),
		body:   body,
	}
}

// Next returns the next raw event, nil when the stream is exhausted.
func (s *SSESource) Next() (*raw.Event, error) {
	ev, err := s.reader.Next()
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, nil
	}
	return &raw.Event{Type: ev.Type, Data: []byte(ev.Data)}, nil
}

// Close releases the underlying transport, unblocking a pending Next.
func (s *SSESource) Close() error {
	return s.body.Close()
}

// NDJSONSource adapts a newline-delimited JSON byte stream (Ollama) into a
// RawSource. Blank lines are skipped.
type NDJSONSource struct {
	scanner *bufio.Scanner
	body    io.ReadCloser
	dest    io.Writer
}

// NewNDJSONSource reads NDJSON lines from body.
func NewNDJSONSource(body io.ReadCloser) *NDJSONSource {
	return NewNDJSONTeeSource(body, io.Discard)
}

// NewNDJSONTeeSource reads NDJSON lines from body while copying the raw
// bytes verbatim to dest.
func NewNDJSONTeeSource(body io.ReadCloser, dest io.Writer) *NDJSONSource {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	return &NDJSONSource{
		scanner: scanner,
		body:    body,
		dest:    dest,
	}
}

// Next returns the next raw event, nil when the stream is exhausted.
func (s *NDJSONSource) Next() (*raw.Event, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		if _, err := s.dest.Write(line); err != nil {
			return nil, err
		}
		if _, err := s.dest.Write([]byte("\n")); err != nil {
			return nil, err
		}

		if len(line) == 0 {
			continue
		}

		data := make([]byte, len(line))
		copy(data, line)
		return &raw.Event{Data: data}, nil
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}

	return nil, nil
}

// Close releases the underlying transport, unblocking a pending Next.
func (s *NDJSONSource) Close() error {
	return s.body.Close()
}
