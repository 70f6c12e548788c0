package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Bus publishes invalidation messages on NATS subjects. Subjects carry no
// partitioning, so message keys are dropped.
type Bus struct {
	nc *nats.Conn
}

func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

func (b *Bus) Publish(ctx context.Context, topic, _ string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.nc.Publish(topic, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}
