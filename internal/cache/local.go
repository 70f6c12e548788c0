package cache

import (
	"context"

	"paysync/internal/repository"
)

// LocalBus delivers invalidation messages straight to an Evictor. It stands
// in for a message bus when a single process owns the cache.
type LocalBus struct {
	evictor *Evictor
}

func NewLocalBus(evictor *Evictor) *LocalBus {
	return &LocalBus{evictor: evictor}
}

func (b *LocalBus) Publish(ctx context.Context, topic, _ string, data []byte) error {
	if topic != repository.TopicInvalidate {
		return nil
	}
	return b.evictor.HandleInvalidation(ctx, data)
}
