package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/storm-stream-client/internal/config"
	"github.com/couchcryptid/storm-stream-client/internal/observability"
	"github.com/couchcryptid/storm-stream-client/internal/state"
)

// Header values for the "event" header.
const (
	EventUpdate  = "update"
	EventRemoved = "removed"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher fans region state changes out to a Kafka topic. Messages are keyed
// by region so one region's changes stay ordered on a single partition; a
// removed region is published as a tombstone.
type Publisher struct {
	writer  messageWriter
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock
}

// NewPublisher creates an asynchronous Kafka producer for the configured sink topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock) *Publisher {
	p := &Publisher{logger: logger, metrics: metrics, clock: clock}
	p.writer = &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		Async:        true,
		Completion:   p.completion,
	}
	return p
}

// Observe publishes a state change. It never blocks on the broker and is safe
// to register as a state.Observer.
func (p *Publisher) Observe(change state.Change) {
	msg, err := serializeToMessage(change, p.clock.Now())
	if err != nil {
		p.logger.Error("serialize region change failed", "region", change.Region, "error", err)
		p.metrics.PublishFailures.Inc()
		return
	}
	if err := p.writer.WriteMessages(context.Background(), msg); err != nil {
		p.logger.Error("publish region change failed", "region", change.Region, "error", err)
		p.metrics.PublishFailures.Inc()
	}
}

// Close flushes pending messages and closes the producer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func (p *Publisher) completion(msgs []kafkago.Message, err error) {
	if err == nil {
		return
	}
	p.metrics.PublishFailures.Add(float64(len(msgs)))
	p.logger.Error("kafka delivery failed", "messages", len(msgs), "error", err)
}

// serializeToMessage marshals a state change into a Kafka message.
func serializeToMessage(change state.Change, at time.Time) (kafkago.Message, error) {
	event := EventUpdate
	var value []byte
	if change.Removed {
		event = EventRemoved
	} else {
		data, err := json.Marshal(change.Update)
		if err != nil {
			return kafkago.Message{}, fmt.Errorf("serialize region update: %w", err)
		}
		value = data
	}

	return kafkago.Message{
		Key:   []byte(change.Region),
		Value: value,
		Headers: []kafkago.Header{
			{Key: "region", Value: []byte(change.Region)},
			{Key: "event", Value: []byte(event)},
			{Key: "published_at", Value: []byte(at.Format(time.RFC3339))},
		},
	}, nil
}
