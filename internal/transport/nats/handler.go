package nats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"paysync/internal/repository"
)

const evictorGroup = "cache_evictors"

// InvalidationHandler applies one raw invalidation message.
// *cache.Evictor implements it.
type InvalidationHandler interface {
	HandleInvalidation(ctx context.Context, data []byte) error
}

// Handler consumes the invalidation subject. Processes share a queue group
// because they evict from the same Redis.
type Handler struct {
	evictor InvalidationHandler
	nc      *nats.Conn
	sub     *nats.Subscription
	logger  *slog.Logger
}

func NewHandler(evictor InvalidationHandler, nc *nats.Conn, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{evictor: evictor, nc: nc, logger: logger.With("component", "nats_evictor")}
}

// Start subscribes and blocks until ctx is cancelled, then drains.
func (h *Handler) Start(ctx context.Context) error {
	sub, err := h.nc.QueueSubscribe(repository.TopicInvalidate, evictorGroup, func(m *nats.Msg) {
		if err := h.evictor.HandleInvalidation(ctx, m.Data); err != nil {
			h.logger.Error("invalidation failed", "subject", m.Subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats: subscribe %s: %w", repository.TopicInvalidate, err)
	}
	h.sub = sub

	h.logger.Info("NATS invalidation subscriber is running", "subject", repository.TopicInvalidate)

	<-ctx.Done()
	h.logger.Info("NATS invalidation subscriber shutting down, draining subscription...")
	return sub.Drain()
}

func (h *Handler) Stop(ctx context.Context) error {
	return nil
}
