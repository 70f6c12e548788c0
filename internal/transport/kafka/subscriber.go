package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"paysync/internal/model"
	"paysync/internal/repository"
)

const (
	evictorGroup = "paysync-cache-evictors"
	retryPause   = 500 * time.Millisecond
)

// InvalidationHandler applies one raw invalidation message.
type InvalidationHandler interface {
	HandleInvalidation(ctx context.Context, data []byte) error
}

// Subscriber consumes the invalidation topic in a consumer group and commits
// a message once it has been applied or found undecodable.
type Subscriber struct {
	reader  *kafka.Reader
	handler InvalidationHandler
	logger  *slog.Logger
}

func NewSubscriber(brokers []string, handler InvalidationHandler, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     evictorGroup,
		Topic:       repository.TopicInvalidate,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     1 * time.Second,
	})
	return &Subscriber{reader: reader, handler: handler, logger: logger.With("component", "kafka_evictor")}
}

// Start consumes until ctx is cancelled.
func (s *Subscriber) Start(ctx context.Context) error {
	s.logger.Info("Kafka invalidation subscriber is running", "topic", repository.TopicInvalidate)
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("kafka consume error", "error", err)
			sleep(ctx, retryPause)
			continue
		}

		if err := s.handler.HandleInvalidation(ctx, msg.Value); err != nil && !errors.Is(err, model.ErrMalformedPayload) {
			s.logger.Error("invalidation failed; will retry", "error", err, "partition", msg.Partition, "offset", msg.Offset)
			sleep(ctx, retryPause)
			continue
		} else if err != nil {
			s.logger.Warn("dropping undecodable invalidation message", "error", err, "offset", msg.Offset)
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			s.logger.Error("kafka commit error", "error", err, "partition", msg.Partition, "offset", msg.Offset)
		}
	}
}

func (s *Subscriber) Stop(ctx context.Context) error {
	return s.reader.Close()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
