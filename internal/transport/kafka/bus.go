package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// Bus publishes invalidation messages to Kafka. Messages are keyed by event
// id so every copy of one event lands on the same partition.
type Bus struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewBus(brokers []string, logger *slog.Logger) (*Bus, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka bus: brokers are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		Balancer:               &kafka.Hash{},
	}
	return &Bus{writer: writer, logger: logger.With("bus", "kafka")}, nil
}

func (b *Bus) Publish(ctx context.Context, topic, key string, data []byte) error {
	if err := b.writer.WriteMessages(ctx, message(topic, key, data)); err != nil {
		return fmt.Errorf("kafka publish %s: %w", topic, err)
	}
	return nil
}

func message(topic, key string, data []byte) kafka.Message {
	msg := kafka.Message{Topic: topic, Value: data}
	if key != "" {
		msg.Key = []byte(key)
	}
	return msg
}

func (b *Bus) Close() error {
	return b.writer.Close()
}
