package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"paysync/internal/model"
)

const allocationColumns = `id, transaction_id, source_event_id, amount, source_amount, percentage, category, status, created_at`

func scanAllocation(row pgx.Row) (*model.FundAllocation, error) {
	var a model.FundAllocation
	err := row.Scan(&a.ID, &a.TransactionID, &a.SourceEventID, &a.Amount, &a.SourceAmount,
		&a.Percentage, &a.Category, &a.Status, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (r *LedgerRepo) InsertAllocation(ctx context.Context, a *model.FundAllocation) (*model.FundAllocation, bool, error) {
	query := `
		INSERT INTO fund_allocations (` + allocationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source_event_id) DO NOTHING
		RETURNING ` + allocationColumns

	stored, err := scanAllocation(r.dbPool.QueryRow(ctx, query,
		a.ID, a.TransactionID, a.SourceEventID, a.Amount, a.SourceAmount,
		a.Percentage, a.Category, a.Status, a.CreatedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, false, fmt.Errorf("insert allocation: %w", err)
	}

	existing, err := r.AllocationBySourceEvent(ctx, a.SourceEventID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *LedgerRepo) AllocationBySourceEvent(ctx context.Context, eventID string) (*model.FundAllocation, error) {
	query := `SELECT ` + allocationColumns + ` FROM fund_allocations WHERE source_event_id = $1`
	a, err := scanAllocation(r.dbPool.QueryRow(ctx, query, eventID))
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("select allocation: %w", err)
	}
	return a, err
}

func (r *LedgerRepo) AllocationsByTransaction(ctx context.Context, transactionID string) ([]model.FundAllocation, error) {
	query := `SELECT ` + allocationColumns + ` FROM fund_allocations WHERE transaction_id = $1 ORDER BY created_at ASC, id ASC`
	rows, err := r.dbPool.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("select allocations: %w", err)
	}
	defer rows.Close()

	var out []model.FundAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
