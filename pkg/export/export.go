// Package export streams persisted messages and their blocks out of a store
// as newline-delimited JSON. It is a thin composition of the store's read
// side and the ndjson serializer; the same records work for file backups,
// sockets, or any other backpressure-aware sink.
package export

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomworksco/loom/pkg/blocks"
	"github.com/loomworksco/loom/pkg/logger"
	"github.com/loomworksco/loom/pkg/ndjson"
	"github.com/loomworksco/loom/pkg/store"
)

// Record is one exported NDJSON line: either a message summary or a block.
type Record struct {
	Type    string          `json:"type"`
	Message *blocks.Message `json:"message,omitempty"`
	Block   *blocks.Block   `json:"block,omitempty"`
}

// Exporter writes store contents to a sink.
type Exporter struct {
	driver    store.Driver
	log       *slog.Logger
	batchSize int
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the exporter's logger. Export runs from the CLI, so this
// is a slog logger rather than the engine's zap logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) { e.log = l }
}

// WithBatchSize sets the serializer batch size. Defaults to 64.
func WithBatchSize(n int) Option {
	return func(e *Exporter) { e.batchSize = n }
}

// New creates an exporter reading from driver.
func New(driver store.Driver, opts ...Option) *Exporter {
	e := &Exporter{
		driver:    driver,
		log:       logger.Nop(),
		batchSize: 64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// All exports every message and its blocks, in message creation order with
// blocks in document order, and returns the number of records written.
func (e *Exporter) All(ctx context.Context, sink ndjson.Sink) (int, error) {
	messages, err := e.driver.ListMessages(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing messages: %w", err)
	}

	var records []Record
	for _, msg := range messages {
		recs, err := e.collect(ctx, msg)
		if err != nil {
			return 0, err
		}
		records = append(records, recs...)
	}

	return e.write(ctx, sink, records)
}

// Message exports one message and its blocks.
func (e *Exporter) Message(ctx context.Context, messageID string, sink ndjson.Sink) (int, error) {
	msg, err := e.driver.GetMessage(ctx, messageID)
	if err != nil {
		return 0, fmt.Errorf("getting message: %w", err)
	}

	records, err := e.collect(ctx, msg)
	if err != nil {
		return 0, err
	}

	return e.write(ctx, sink, records)
}

func (e *Exporter) collect(ctx context.Context, msg *blocks.Message) ([]Record, error) {
	blks, err := e.driver.ListBlocks(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("listing blocks for message %s: %w", msg.ID, err)
	}

	records := make([]Record, 0, len(blks)+1)
	records = append(records, Record{Type: "message", Message: msg})
	for _, b := range blks {
		records = append(records, Record{Type: "block", Block: b})
	}
	return records, nil
}

func (e *Exporter) write(ctx context.Context, sink ndjson.Sink, records []Record) (int, error) {
	if err := ndjson.WriteBatched(ctx, sink, records, e.batchSize, ndjson.Options{}); err != nil {
		return 0, fmt.Errorf("writing export records: %w", err)
	}

	e.log.Debug("export batch written", "records", len(records), "batch_size", e.batchSize)
	return len(records), nil
}
