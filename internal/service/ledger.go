package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"paysync/internal/model"
	"paysync/internal/repository"
)

// LedgerWriter writes exactly one Transaction per provider event id.
type LedgerWriter struct {
	store  repository.TransactionStore
	logger *slog.Logger
	now    func() time.Time
}

func NewLedgerWriter(store repository.TransactionStore, logger *slog.Logger) *LedgerWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerWriter{
		store:  store,
		logger: logger.With("component", "ledger"),
		now:    time.Now,
	}
}

// Record validates n and persists it keyed by ev.ID. A redelivered event
// returns the stored transaction unchanged.
func (w *LedgerWriter) Record(ctx context.Context, ev *model.Event, n model.Normalized) (*model.Transaction, error) {
	if err := validateNormalized(n); err != nil {
		return nil, err
	}

	tx := &model.Transaction{
		ID:            uuid.NewString(),
		SourceEventID: ev.ID,
		PaymentRef:    n.PaymentRef,
		Kind:          n.Kind,
		Amount:        n.Amount,
		Currency:      n.Currency,
		Status:        n.Status,
		OwnerID:       n.OwnerID,
		Description:   n.Description,
		FailureReason: n.FailureReason,
		CreatedAt:     w.now().UTC(),
	}
	if tx.Kind == "" {
		tx.Kind = model.KindPayment
	}

	stored, created, err := w.store.InsertTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: insert transaction for event %s: %v", model.ErrTransientStore, ev.ID, err)
	}

	if created {
		w.logger.Info("transaction recorded",
			"event_id", ev.ID,
			"transaction_id", stored.ID,
			"status", stored.Status,
			"amount", stored.Amount.String(),
			"currency", stored.Currency,
		)
	} else {
		w.logger.Debug("transaction already recorded", "event_id", ev.ID, "transaction_id", stored.ID)
	}
	return stored, nil
}

func validateNormalized(n model.Normalized) error {
	if n.Amount.IsNegative() {
		return fmt.Errorf("%w: %s is negative", model.ErrInvalidAmount, n.Amount)
	}
	if n.Status == model.TxSucceeded && !n.Amount.IsPositive() {
		return fmt.Errorf("%w: succeeded transaction must have a positive amount, got %s", model.ErrInvalidAmount, n.Amount)
	}
	if n.OwnerID == "" {
		return model.ErrMissingOwner
	}
	return nil
}
