package repository

import (
	"context"
	"time"

	"paysync/internal/model"
)

// TransactionStore persists the canonical ledger. InsertTransaction is
// idempotent on SourceEventID: a conflicting insert returns the stored row
// with created == false.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, tx *model.Transaction) (stored *model.Transaction, created bool, err error)
	TransactionBySourceEvent(ctx context.Context, eventID string) (*model.Transaction, error)
	TransactionByID(ctx context.Context, id string) (*model.Transaction, error)
	OriginalPayment(ctx context.Context, paymentRef string) (*model.Transaction, error)
	MarkRefunded(ctx context.Context, id string) error
	TransactionsByOwner(ctx context.Context, ownerID string, limit int) ([]model.Transaction, error)
}

// AllocationStore is append-only; InsertAllocation is idempotent on
// SourceEventID.
type AllocationStore interface {
	InsertAllocation(ctx context.Context, a *model.FundAllocation) (stored *model.FundAllocation, created bool, err error)
	AllocationBySourceEvent(ctx context.Context, eventID string) (*model.FundAllocation, error)
	AllocationsByTransaction(ctx context.Context, transactionID string) ([]model.FundAllocation, error)
}

type ActivationStore interface {
	Activation(ctx context.Context, ownerID string, kind model.ActivationKind, targetID string) (*model.Activation, error)
	UpsertActivation(ctx context.Context, a *model.Activation) error
}

type ProcessedStore interface {
	ProcessedEvent(ctx context.Context, eventID string) (*model.ProcessedEvent, error)
	MarkProcessed(ctx context.Context, p *model.ProcessedEvent) error
}

// RetryStore backs the retry queue. ClaimDue hands each due record to exactly
// one caller by pushing its next_attempt_at out by lease.
type RetryStore interface {
	RecordAttemptFailure(ctx context.Context, rec *model.RetryRecord) (*model.RetryRecord, error)
	Reschedule(ctx context.Context, eventID string, next time.Time, status model.RetryStatus) error
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.RetryRecord, error)
	Retry(ctx context.Context, eventID string) (*model.RetryRecord, error)
	DeleteRetry(ctx context.Context, eventID string) error
	ListRetries(ctx context.Context, status model.RetryStatus, limit int) ([]model.RetryRecord, error)
	ResetRetry(ctx context.Context, eventID string, next time.Time) error
}

// Store is everything the webhook pipeline persists.
type Store interface {
	TransactionStore
	AllocationStore
	ActivationStore
	ProcessedStore
	RetryStore
}
