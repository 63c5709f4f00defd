// Package ndjson appends sequences of structured records to a destination
// sink as newline-delimited JSON without unbounded buffering. When the sink
// reports that it is full, production suspends until the sink drains rather
// than queueing records in memory; callers that cannot wait fail fast with
// ErrBackpressure instead.
//
// The package has no knowledge of the streaming engine's domain types; it is
// reused identically by block persistence and by bulk export.
package ndjson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBackpressure is returned when the sink is full and the write was
// configured to disallow waiting.
var ErrBackpressure = errors.New("sink is full and waiting is disallowed")

// SerializationError reports a record that could not be encoded. The write
// operation aborts at the failing record; previously flushed records remain
// valid on the sink.
type SerializationError struct {
	Index int
	Err   error
}

func (e SerializationError) Error() string {
	return fmt.Sprintf("serializing record %d: %v", e.Index, e.Err)
}

func (e SerializationError) Unwrap() error { return e.Err }

// Sink is a destination accepting ordered bytes with a drain/ready
// backpressure signal: a file, a network connection, or an in-memory buffer.
type Sink interface {
	// Write appends bytes to the sink.
	Write(p []byte) (int, error)

	// Full reports whether the sink cannot currently accept more data.
	Full() bool

	// Drain blocks until the sink signals ready or ctx is done.
	Drain(ctx context.Context) error

	// Close signals a successful end of stream.
	Close() error

	// CloseWithError signals an abnormal end of stream.
	CloseWithError(err error) error
}

// Options configure a write operation.
type Options struct {
	// NoWait fails the write with ErrBackpressure when the sink is full
	// instead of suspending until it drains.
	NoWait bool
}

// WriteAll serializes each record to one JSON line and writes it to sink,
// suspending at every record boundary while the sink reports full. The sink
// always receives a definitive end-of-stream signal: Close on success,
// CloseWithError on any failure.
func WriteAll[T any](ctx context.Context, sink Sink, records []T, opts Options) error {
	return WriteBatched(ctx, sink, records, 1, opts)
}

// WriteBatched behaves like WriteAll but groups records into batches of
// batchSize before each suspend/flush decision, trading latency for fewer
// suspension points. A batchSize < 1 is treated as 1.
func WriteBatched[T any](ctx context.Context, sink Sink, records []T, batchSize int, opts Options) (err error) {
	if batchSize < 1 {
		batchSize = 1
	}

	defer func() {
		if err != nil {
			sink.CloseWithError(err)
			return
		}
		err = sink.Close()
	}()

	for start := 0; start < len(records); start += batchSize {
		if err := awaitReady(ctx, sink, opts); err != nil {
			return err
		}

		end := min(start+batchSize, len(records))

		// Encode the whole batch before touching the sink so a failed
		// record never leaves a partial line behind.
		batch := make([]byte, 0, 256*(end-start))
		for i := start; i < end; i++ {
			line, merr := json.Marshal(records[i])
			if merr != nil {
				return SerializationError{Index: i, Err: merr}
			}
			batch = append(batch, line...)
			batch = append(batch, '\n')
		}

		if _, werr := sink.Write(batch); werr != nil {
			return fmt.Errorf("writing batch at record %d: %w", start, werr)
		}
	}

	return nil
}

// awaitReady resolves the sink's backpressure state per the configured
// waiting policy.
func awaitReady(ctx context.Context, sink Sink, opts Options) error {
	if !sink.Full() {
		return nil
	}

	if opts.NoWait {
		return ErrBackpressure
	}

	if err := sink.Drain(ctx); err != nil {
		return fmt.Errorf("awaiting sink drain: %w", err)
	}

	return nil
}
