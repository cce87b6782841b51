package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Message is the subset of a Kafka record the dispatcher reads.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Headers []kafka.Header
}

// HandlerFunc processes a single Kafka message.
// Return nil to commit the offset. Return an error to have the same message
// redelivered after a backoff; later messages of the partition wait for it.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from a Kafka topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

// reader is the part of *kafka.Reader the consumer drives.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	defaultRedeliverDelay    = 200 * time.Millisecond
	defaultMaxRedeliverDelay = 10 * time.Second
)

type consumer struct {
	reader   reader
	logger   *slog.Logger
	delay    time.Duration
	maxDelay time.Duration
}

// NewConsumer creates a Kafka consumer for the given topic and consumer group.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       1e6, // task events are a few hundred bytes
		MaxWait:        250 * time.Millisecond,
		CommitInterval: 0, // manual commit only
		// A new group replays from the start; evaluation is idempotent.
		StartOffset: kafka.FirstOffset,
	})
	return newConsumer(r, logger)
}

func newConsumer(r reader, logger *slog.Logger) *consumer {
	return &consumer{
		reader:   r,
		logger:   logger,
		delay:    defaultRedeliverDelay,
		maxDelay: defaultMaxRedeliverDelay,
	}
}

// Subscribe reads messages in a loop until ctx is cancelled.
// A message is committed only after the handler returns nil. Committing a
// later offset would implicitly commit a failed one, so a failing message is
// retried in place with capped exponential backoff instead of being skipped.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // normal shutdown
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		if err := c.deliver(ctx, m, handler); err != nil {
			return nil // cancelled while redelivering; offset stays uncommitted
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// deliver runs handler until it succeeds or ctx is done.
func (c *consumer) deliver(ctx context.Context, m kafka.Message, handler HandlerFunc) error {
	// Continue the producer's trace, if it injected one.
	carrier := HeaderCarrier(m.Headers)
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

	msg := Message{
		Topic:   m.Topic,
		Key:     m.Key,
		Value:   m.Value,
		Offset:  m.Offset,
		Headers: m.Headers,
	}

	delay := c.delay
	for attempt := 1; ; attempt++ {
		err := handler(msgCtx, msg)
		if err == nil {
			return nil
		}
		c.logger.Warn("message handler failed, redelivering",
			slog.String("topic", m.Topic),
			slog.Int64("offset", m.Offset),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, c.maxDelay)
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
