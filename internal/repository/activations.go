package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"paysync/internal/model"
)

func (r *LedgerRepo) Activation(ctx context.Context, ownerID string, kind model.ActivationKind, targetID string) (*model.Activation, error) {
	query := `
		SELECT owner_id, kind, target_id, transaction_id, status, activated_at
		FROM activations
		WHERE owner_id = $1 AND kind = $2 AND target_id = $3`

	var a model.Activation
	err := r.dbPool.QueryRow(ctx, query, ownerID, kind, targetID).
		Scan(&a.OwnerID, &a.Kind, &a.TargetID, &a.TransactionID, &a.Status, &a.ActivatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("select activation: %w", err)
	}
	return &a, nil
}

func (r *LedgerRepo) UpsertActivation(ctx context.Context, a *model.Activation) error {
	query := `
		INSERT INTO activations (owner_id, kind, target_id, transaction_id, status, activated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, kind, target_id) DO UPDATE
		SET transaction_id = EXCLUDED.transaction_id,
		    status = EXCLUDED.status,
		    activated_at = EXCLUDED.activated_at`

	_, err := r.dbPool.Exec(ctx, query, a.OwnerID, a.Kind, a.TargetID, a.TransactionID, a.Status, a.ActivatedAt)
	if err != nil {
		return fmt.Errorf("upsert activation: %w", err)
	}
	return nil
}
