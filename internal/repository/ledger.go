package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"paysync/internal/model"
)

// LedgerRepo is the PostgreSQL implementation of Store. Uniqueness of
// source_event_id is what serializes redelivered copies of one event across
// processes; no in-process lock is involved.
type LedgerRepo struct {
	dbPool *pgxpool.Pool
}

func NewLedgerRepo(db *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{dbPool: db}
}

const transactionColumns = `id, source_event_id, payment_ref, kind, amount, currency, status, owner_id, description, failure_reason, created_at`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	err := row.Scan(&t.ID, &t.SourceEventID, &t.PaymentRef, &t.Kind, &t.Amount, &t.Currency,
		&t.Status, &t.OwnerID, &t.Description, &t.FailureReason, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *LedgerRepo) InsertTransaction(ctx context.Context, tx *model.Transaction) (*model.Transaction, bool, error) {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (source_event_id) DO NOTHING
		RETURNING ` + transactionColumns

	stored, err := scanTransaction(r.dbPool.QueryRow(ctx, query,
		tx.ID, tx.SourceEventID, tx.PaymentRef, tx.Kind, tx.Amount, tx.Currency,
		tx.Status, tx.OwnerID, tx.Description, tx.FailureReason, tx.CreatedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, false, fmt.Errorf("insert transaction: %w", err)
	}

	// Conflict: somebody already recorded this event.
	existing, err := r.TransactionBySourceEvent(ctx, tx.SourceEventID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *LedgerRepo) TransactionBySourceEvent(ctx context.Context, eventID string) (*model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE source_event_id = $1`
	t, err := scanTransaction(r.dbPool.QueryRow(ctx, query, eventID))
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("select transaction by event: %w", err)
	}
	return t, err
}

func (r *LedgerRepo) TransactionByID(ctx context.Context, id string) (*model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	t, err := scanTransaction(r.dbPool.QueryRow(ctx, query, id))
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("select transaction: %w", err)
	}
	return t, err
}

func (r *LedgerRepo) OriginalPayment(ctx context.Context, paymentRef string) (*model.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE payment_ref = $1 AND kind = 'payment' AND status IN ('succeeded', 'refunded')
		ORDER BY created_at ASC
		LIMIT 1`
	t, err := scanTransaction(r.dbPool.QueryRow(ctx, query, paymentRef))
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("select original payment: %w", err)
	}
	return t, err
}

// MarkRefunded moves a succeeded transaction to refunded. Calling it on an
// already refunded row is a no-op.
func (r *LedgerRepo) MarkRefunded(ctx context.Context, id string) error {
	tag, err := r.dbPool.Exec(ctx,
		`UPDATE transactions SET status = 'refunded' WHERE id = $1 AND status IN ('succeeded', 'refunded')`, id)
	if err != nil {
		return fmt.Errorf("mark refunded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *LedgerRepo) TransactionsByOwner(ctx context.Context, ownerID string, limit int) ([]model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.dbPool.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("select transactions by owner: %w", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
