// Package kafka provides a Kafka-backed eventstream publisher built on
// segmentio/kafka-go. Events are keyed by message id so all events for one
// message land on the same partition in order.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/loomworksco/loom/pkg/eventstream"
)

// Config holds Kafka publisher settings.
type Config struct {
	// Brokers is the bootstrap broker list.
	Brokers []string

	// Topic receives the finalized-message events.
	Topic string
}

// Publisher publishes finalized-message events to a Kafka topic.
type Publisher struct {
	writer *kafkago.Writer
}

// NewPublisher creates a publisher for the configured brokers and topic.
func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	return &Publisher{
		writer: &kafkago.Writer{
			Addr:     kafkago.TCP(cfg.Brokers...),
			Topic:    cfg.Topic,
			Balancer: &kafkago.Hash{},
			// Finalization latency matters more than batching efficiency
			// for these low-volume events.
			BatchSize: 1,
		},
	}, nil
}

// PublishMessage serializes the event and writes it to the topic.
func (p *Publisher) PublishMessage(ctx context.Context, event *eventstream.MessageFinalizedEvent) error {
	if event == nil {
		return eventstream.ErrNilMessageEvent
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	var key []byte
	if event.Message != nil {
		key = []byte(event.Message.ID)
	}

	if err := p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   key,
		Value: payload,
	}); err != nil {
		return fmt.Errorf("writing event to kafka: %w", err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
