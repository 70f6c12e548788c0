package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"paysync/internal/model"
)

func (r *LedgerRepo) ProcessedEvent(ctx context.Context, eventID string) (*model.ProcessedEvent, error) {
	query := `SELECT event_id, event_type, invalidation_keys, processed_at FROM processed_events WHERE event_id = $1`

	var p model.ProcessedEvent
	err := r.dbPool.QueryRow(ctx, query, eventID).Scan(&p.EventID, &p.EventType, &p.InvalidationKeys, &p.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("select processed event: %w", err)
	}
	return &p, nil
}

// MarkProcessed keeps the first record for an event id; later calls are
// no-ops.
func (r *LedgerRepo) MarkProcessed(ctx context.Context, p *model.ProcessedEvent) error {
	keys := p.InvalidationKeys
	if keys == nil {
		keys = []string{}
	}
	query := `
		INSERT INTO processed_events (event_id, event_type, invalidation_keys, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`
	if _, err := r.dbPool.Exec(ctx, query, p.EventID, p.EventType, keys, p.ProcessedAt); err != nil {
		return fmt.Errorf("insert processed event: %w", err)
	}
	return nil
}
