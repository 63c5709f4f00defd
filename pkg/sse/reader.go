package sse

import (
	"bufio"
	"io"
	"strings"
)

// Reader parses SSE events from a source io.Reader. When constructed with
// NewTeeReader it additionally writes every raw byte verbatim to a
// destination writer, so a downstream client receives an exact copy of the
// stream while the caller consumes parsed events.
type Reader struct {
	scanner *bufio.Scanner
	dest    io.Writer

	pending  *Event
	sawField bool
}

// NewReader returns a Reader that parses SSE events from src.
func NewReader(src io.Reader) *Reader {
	return NewTeeReader(src, io.Discard)
}

// NewTeeReader returns a Reader that parses SSE events from src and writes
// all raw bytes through to dest. The dest writer typically backs an io.Pipe
// connected to the downstream HTTP response.
func NewTeeReader(src io.Reader, dest io.Writer) *Reader {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	return &Reader{
		scanner: scanner,
		dest:    dest,
		pending: &Event{},
	}
}

// Next returns the next parsed SSE event. It blocks until a complete event
// is available (terminated by a blank line in the stream) and returns
// nil, nil when the source is exhausted.
func (r *Reader) Next() (*Event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()

		// bufio.Scanner strips the newline, so reinsert it when teeing.
		if _, err := io.WriteString(r.dest, line+"\n"); err != nil {
			return nil, err
		}

		if ev := r.consume(line); ev != nil {
			return ev, nil
		}
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}

	// Stream ended without a trailing blank line: yield any in-progress
	// event before signalling exhaustion.
	if ev := r.flush(); ev != nil {
		return ev, nil
	}
	return nil, nil
}

// consume feeds one line into the event under construction. It returns a
// completed event when the line is the blank delimiter and at least one
// field has accumulated; blank lines with nothing pending (leading blanks,
// keep-alive newlines) and ':' comment lines are dropped.
func (r *Reader) consume(line string) *Event {
	if line == "" {
		return r.flush()
	}
	if strings.HasPrefix(line, ":") {
		return nil
	}

	field, value, hasColon := strings.Cut(line, ":")
	if hasColon {
		// A single space after the colon is optional and stripped.
		value = strings.TrimPrefix(value, " ")
	}
	// Without a colon the whole line is the field name with an empty value.

	switch field {
	case "data":
		if r.sawField && r.pending.Data != "" {
			// Multiple data fields are joined with "\n".
			r.pending.Data += "\n"
		}
		r.pending.Data += value
		r.sawField = true
	case "event":
		r.pending.Type = value
		r.sawField = true
	case "id":
		r.pending.ID = value
		r.sawField = true
	default:
		// "retry" and unknown fields are ignored per the SSE spec.
	}
	return nil
}

// flush hands out the event under construction, or nil when no field has
// accumulated yet.
func (r *Reader) flush() *Event {
	if !r.sawField {
		return nil
	}
	ev := r.pending
	r.pending = &Event{}
	r.sawField = false
	return ev
}
