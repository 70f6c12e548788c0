package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"paysync/internal/model"
)

const (
	DeadLetterQueue = "payments.dead_letter"

	dialAttempts = 10
	dialBackoff  = 2 * time.Second
)

// deadLetterNotice is the body published for operators.
type deadLetterNotice struct {
	EventID      string          `json:"event_id"`
	EventType    model.EventType `json:"event_type"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error"`
	FailedAt     time.Time       `json:"failed_at"`
}

// Notifier publishes a notice to a durable RabbitMQ queue for every
// dead-lettered event.
type Notifier struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	logger  *slog.Logger
}

// NewNotifier dials url, retrying while the broker starts, and declares the
// queue.
func NewNotifier(url, queue string, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if queue == "" {
		queue = DeadLetterQueue
	}

	var conn *amqp.Connection
	var err error
	for i := 0; i < dialAttempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn("failed to connect to RabbitMQ, retrying", "attempt", i+1, "of", dialAttempts)
		time.Sleep(dialBackoff)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare a queue: %w", err)
	}

	return &Notifier{
		conn:    conn,
		channel: ch,
		queue:   queue,
		logger:  logger.With("component", "dead_letter_notifier"),
	}, nil
}

func (n *Notifier) NotifyDeadLetter(ctx context.Context, rec *model.RetryRecord) error {
	body, err := json.Marshal(deadLetterNotice{
		EventID:      rec.EventID,
		EventType:    rec.EventType,
		AttemptCount: rec.AttemptCount,
		LastError:    rec.LastError,
		FailedAt:     rec.LastAttemptAt,
	})
	if err != nil {
		return fmt.Errorf("encode dead letter notice: %w", err)
	}

	err = n.channel.PublishWithContext(ctx,
		"",      // exchange
		n.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			MessageId:    rec.EventID,
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		})
	if err != nil {
		return fmt.Errorf("failed to publish dead letter notice: %w", err)
	}

	n.logger.Info("dead letter notice published", "event_id", rec.EventID, "queue", n.queue)
	return nil
}

func (n *Notifier) Close() error {
	if err := n.channel.Close(); err != nil {
		n.conn.Close()
		return err
	}
	return n.conn.Close()
}
