package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"paysync/internal/model"
	"paysync/internal/repository"
)

// KeyEvicter removes cache entries by exact key or prefix wildcard. *Store
// implements it.
type KeyEvicter interface {
	Evict(ctx context.Context, keys []string) (int64, error)
}

// Evictor applies invalidation messages received from the bus.
type Evictor struct {
	cache  KeyEvicter
	logger *slog.Logger
}

func NewEvictor(cache KeyEvicter, logger *slog.Logger) *Evictor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evictor{cache: cache, logger: logger.With("component", "evictor")}
}

// HandleInvalidation decodes one bus message and evicts its keys. An
// undecodable message returns an error wrapping model.ErrMalformedPayload;
// redelivering it would not help.
func (e *Evictor) HandleInvalidation(ctx context.Context, data []byte) error {
	var msg repository.InvalidationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: invalidation message: %v", model.ErrMalformedPayload, err)
	}
	if len(msg.Keys) == 0 {
		return nil
	}

	removed, err := e.cache.Evict(ctx, msg.Keys)
	if err != nil {
		return fmt.Errorf("evict keys for %s: %w", msg.EventID, err)
	}
	e.logger.Debug("cache keys evicted", "event_id", msg.EventID, "keys", len(msg.Keys), "removed", removed)
	return nil
}
