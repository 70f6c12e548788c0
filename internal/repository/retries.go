package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"paysync/internal/model"
)

const retryColumns = `event_id, event_type, payload, attempt_count, last_error, last_attempt_at, next_attempt_at, status, created_at`

func scanRetry(row pgx.Row) (*model.RetryRecord, error) {
	var rec model.RetryRecord
	var payload []byte
	err := row.Scan(&rec.EventID, &rec.EventType, &payload, &rec.AttemptCount, &rec.LastError,
		&rec.LastAttemptAt, &rec.NextAttemptAt, &rec.Status, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	rec.Payload = payload
	return &rec, nil
}

// RecordAttemptFailure inserts a record with attempt_count 1 or bumps the
// count of an existing one. A dead-lettered record keeps its status.
func (r *LedgerRepo) RecordAttemptFailure(ctx context.Context, rec *model.RetryRecord) (*model.RetryRecord, error) {
	query := `
		INSERT INTO retry_records (` + retryColumns + `)
		VALUES ($1, $2, $3, 1, $4, $5, $6, 'pending', $5)
		ON CONFLICT (event_id) DO UPDATE
		SET attempt_count = retry_records.attempt_count + 1,
		    last_error = EXCLUDED.last_error,
		    last_attempt_at = EXCLUDED.last_attempt_at,
		    status = CASE WHEN retry_records.status = 'dead_letter' THEN 'dead_letter' ELSE 'pending' END
		RETURNING ` + retryColumns

	stored, err := scanRetry(r.dbPool.QueryRow(ctx, query,
		rec.EventID, rec.EventType, []byte(rec.Payload), rec.LastError, rec.LastAttemptAt, rec.NextAttemptAt,
	))
	if err != nil {
		return nil, fmt.Errorf("record retry failure: %w", err)
	}
	return stored, nil
}

func (r *LedgerRepo) Reschedule(ctx context.Context, eventID string, next time.Time, status model.RetryStatus) error {
	_, err := r.dbPool.Exec(ctx,
		`UPDATE retry_records SET next_attempt_at = $2, status = $3 WHERE event_id = $1`,
		eventID, next, status)
	if err != nil {
		return fmt.Errorf("reschedule retry: %w", err)
	}
	return nil
}

// ClaimDue leases up to limit due records. Concurrent workers skip rows that
// another transaction has locked, so each record goes to one worker.
func (r *LedgerRepo) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.RetryRecord, error) {
	query := `
		UPDATE retry_records SET next_attempt_at = $2
		WHERE event_id IN (
			SELECT event_id FROM retry_records
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + retryColumns

	rows, err := r.dbPool.Query(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due retries: %w", err)
	}
	defer rows.Close()

	var out []model.RetryRecord
	for rows.Next() {
		rec, err := scanRetry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retry: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *LedgerRepo) Retry(ctx context.Context, eventID string) (*model.RetryRecord, error) {
	rec, err := scanRetry(r.dbPool.QueryRow(ctx, `SELECT `+retryColumns+` FROM retry_records WHERE event_id = $1`, eventID))
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("select retry: %w", err)
	}
	return rec, err
}

func (r *LedgerRepo) DeleteRetry(ctx context.Context, eventID string) error {
	if _, err := r.dbPool.Exec(ctx, `DELETE FROM retry_records WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("delete retry: %w", err)
	}
	return nil
}

func (r *LedgerRepo) ListRetries(ctx context.Context, status model.RetryStatus, limit int) ([]model.RetryRecord, error) {
	query := `SELECT ` + retryColumns + ` FROM retry_records WHERE status = $1 ORDER BY last_attempt_at DESC LIMIT $2`
	rows, err := r.dbPool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list retries: %w", err)
	}
	defer rows.Close()

	var out []model.RetryRecord
	for rows.Next() {
		rec, err := scanRetry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retry: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ResetRetry puts a dead-lettered record back in the queue with a fresh
// attempt budget.
func (r *LedgerRepo) ResetRetry(ctx context.Context, eventID string, next time.Time) error {
	tag, err := r.dbPool.Exec(ctx,
		`UPDATE retry_records SET attempt_count = 0, status = 'pending', next_attempt_at = $2 WHERE event_id = $1`,
		eventID, next)
	if err != nil {
		return fmt.Errorf("reset retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}
