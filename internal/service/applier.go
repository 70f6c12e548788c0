package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paysync/internal/cachekeys"
	"paysync/internal/config"
	"paysync/internal/model"
	"paysync/internal/repository"
)

// PolicySource supplies the live business policy. *config.PolicyLoader
// implements it.
type PolicySource interface {
	Policy() *config.Policy
}

type staticPolicy struct{ p *config.Policy }

func (s staticPolicy) Policy() *config.Policy { return s.p }

// StaticPolicy wraps a fixed policy, mostly for tests.
func StaticPolicy(p *config.Policy) PolicySource { return staticPolicy{p: p} }

var hundred = decimal.NewFromInt(100)

// allocationScale matches the NUMERIC(20, 4) columns.
const allocationScale = 4

// Applier runs the post-ledger side effects of an event: fund allocation,
// refund reversal, activation. Every sub-step is keyed on its own
// idempotency key so a retried event never allocates twice.
type Applier struct {
	transactions repository.TransactionStore
	allocations  repository.AllocationStore
	activations  repository.ActivationStore
	policy       PolicySource
	logger       *slog.Logger
	now          func() time.Time
}

func NewApplier(store repository.Store, policy PolicySource, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = StaticPolicy(config.DefaultPolicy())
	}
	return &Applier{
		transactions: store,
		allocations:  store,
		activations:  store,
		policy:       policy,
		logger:       logger.With("component", "applier"),
		now:          time.Now,
	}
}

// Apply runs the effects of tx and returns the allocations it produced
// together with the cache keys to invalidate. It only computes keys; the
// caller evicts them.
func (a *Applier) Apply(ctx context.Context, tx *model.Transaction, eventType model.EventType, eff Effects) (*model.Outcome, error) {
	out := &model.Outcome{}
	domain := []cachekeys.DomainEvent{
		cachekeys.PaymentProcessed{UserID: tx.OwnerID, TransactionID: tx.ID},
	}

	switch {
	case eff.Refund != nil:
		alloc, err := a.reverse(ctx, tx, *eff.Refund)
		if err != nil {
			return nil, err
		}
		if alloc != nil {
			out.Allocations = append(out.Allocations, *alloc)
		}
	case eff.Allocate && tx.Status == model.TxSucceeded:
		alloc, err := a.allocate(ctx, tx, eff.Category)
		if err != nil {
			return nil, err
		}
		out.Allocations = append(out.Allocations, *alloc)
	}

	if eff.Activation != nil && tx.Status == model.TxSucceeded {
		ev, err := a.Entitle(ctx, tx.OwnerID, tx.ID, *eff.Activation)
		if err != nil {
			return nil, err
		}
		domain = append(domain, ev)
	}

	out.InvalidationKeys = cachekeys.KeysForAll(domain...)
	a.logger.Debug("effects applied",
		"event_type", eventType,
		"transaction_id", tx.ID,
		"allocations", len(out.Allocations),
		"keys", len(out.InvalidationKeys),
	)
	return out, nil
}

func (a *Applier) allocate(ctx context.Context, tx *model.Transaction, category string) (*model.FundAllocation, error) {
	policy := a.policy.Policy().Allocation
	if category == "" {
		category = policy.Category
	}
	pct := decimal.NewFromFloat(policy.Percentage)

	alloc := &model.FundAllocation{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		SourceEventID: tx.SourceEventID,
		Amount:        tx.Amount.Mul(pct).Div(hundred).Round(allocationScale),
		SourceAmount:  tx.Amount,
		Percentage:    pct,
		Category:      category,
		Status:        model.AllocationAllocated,
		CreatedAt:     a.now().UTC(),
	}

	stored, created, err := a.allocations.InsertAllocation(ctx, alloc)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction %s: %v", model.ErrAllocationFailure, tx.ID, err)
	}
	if created {
		a.logger.Info("fund allocated",
			"transaction_id", tx.ID,
			"amount", stored.Amount.String(),
			"category", stored.Category,
		)
	}
	return stored, nil
}

// reverse appends a negative allocation mirroring the share of the original
// allocation that the refund covers. A full refund negates whatever is left
// of the original allocation exactly.
func (a *Applier) reverse(ctx context.Context, refundTx *model.Transaction, r RefundEffect) (*model.FundAllocation, error) {
	if existing, err := a.allocations.AllocationBySourceEvent(ctx, refundTx.SourceEventID); err == nil {
		return existing, a.markRefunded(ctx, r)
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", model.ErrAllocationFailure, err)
	}

	if !r.Cumulative.IsPositive() {
		return nil, nil
	}

	original, err := a.transactions.OriginalPayment(ctx, r.PaymentRef)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: original payment %s not recorded yet", model.ErrAllocationFailure, r.PaymentRef)
		}
		return nil, fmt.Errorf("%w: %v", model.ErrAllocationFailure, err)
	}

	history, err := a.allocations.AllocationsByTransaction(ctx, original.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrAllocationFailure, err)
	}

	var base *model.FundAllocation
	remaining := decimal.Zero
	reversedSource := decimal.Zero
	for i := range history {
		h := history[i]
		remaining = remaining.Add(h.Amount)
		switch h.Status {
		case model.AllocationAllocated:
			if base == nil {
				base = &history[i]
			}
		case model.AllocationReversed:
			reversedSource = reversedSource.Add(h.SourceAmount)
		}
	}
	if base == nil {
		a.logger.Warn("refund without an allocation to reverse", "payment_ref", r.PaymentRef, "transaction_id", original.ID)
		return nil, a.markRefunded(ctx, r)
	}

	delta := r.Cumulative.Sub(reversedSource)
	if !delta.IsPositive() {
		return nil, a.markRefunded(ctx, r)
	}

	full := r.Full || r.Cumulative.GreaterThanOrEqual(original.Amount)
	amount := delta.Mul(base.Percentage).Div(hundred).Round(allocationScale).Neg()
	if full {
		amount = remaining.Neg()
	}

	reversal := &model.FundAllocation{
		ID:            uuid.NewString(),
		TransactionID: original.ID,
		SourceEventID: refundTx.SourceEventID,
		Amount:        amount,
		SourceAmount:  delta,
		Percentage:    base.Percentage,
		Category:      a.policy.Policy().Allocation.RefundCategory,
		Status:        model.AllocationReversed,
		CreatedAt:     a.now().UTC(),
	}

	stored, created, err := a.allocations.InsertAllocation(ctx, reversal)
	if err != nil {
		return nil, fmt.Errorf("%w: reversal for %s: %v", model.ErrAllocationFailure, original.ID, err)
	}
	if created {
		a.logger.Info("fund allocation reversed",
			"transaction_id", original.ID,
			"refund_event_id", refundTx.SourceEventID,
			"amount", stored.Amount.String(),
		)
	}

	r.Full = full
	return stored, a.markRefunded(ctx, r)
}

func (a *Applier) markRefunded(ctx context.Context, r RefundEffect) error {
	if !r.Full {
		return nil
	}
	original, err := a.transactions.OriginalPayment(ctx, r.PaymentRef)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: %v", model.ErrTransientStore, err)
	}
	if original.Status == model.TxRefunded {
		return nil
	}
	if err := a.transactions.MarkRefunded(ctx, original.ID); err != nil {
		return fmt.Errorf("%w: mark %s refunded: %v", model.ErrTransientStore, original.ID, err)
	}
	return nil
}

// Entitle activates or cancels an enrollment or subscription. The current
// state is read first so a repeated call with the same transaction is a
// no-op. It returns the registry event describing the change.
func (a *Applier) Entitle(ctx context.Context, ownerID, transactionID string, eff ActivationEffect) (cachekeys.DomainEvent, error) {
	if ownerID == "" {
		return nil, model.ErrMissingOwner
	}

	var changed cachekeys.DomainEvent = cachekeys.SubscriptionChanged{UserID: ownerID}
	if eff.Kind == model.ActivationCourse {
		changed = cachekeys.Enrollment{StudentID: ownerID, CourseID: eff.TargetID}
	}

	want := model.ActivationActive
	if eff.Cancel {
		want = model.ActivationCancelled
	}

	current, err := a.activations.Activation(ctx, ownerID, eff.Kind, eff.TargetID)
	switch {
	case err == nil:
		if current.Status == want && (eff.Cancel || transactionID == "" || current.TransactionID == transactionID) {
			return changed, nil
		}
	case errors.Is(err, model.ErrNotFound):
		if eff.Cancel {
			return changed, nil
		}
	default:
		return nil, fmt.Errorf("%w: %v", model.ErrActivationFailure, err)
	}

	act := &model.Activation{
		OwnerID:       ownerID,
		Kind:          eff.Kind,
		TargetID:      eff.TargetID,
		TransactionID: transactionID,
		Status:        want,
		ActivatedAt:   a.now().UTC(),
	}
	if current != nil && transactionID == "" {
		act.TransactionID = current.TransactionID
	}
	if err := a.activations.UpsertActivation(ctx, act); err != nil {
		return nil, fmt.Errorf("%w: %s %s for %s: %v", model.ErrActivationFailure, eff.Kind, eff.TargetID, ownerID, err)
	}

	a.logger.Info("entitlement updated",
		"owner_id", ownerID,
		"kind", eff.Kind,
		"target_id", eff.TargetID,
		"status", want,
	)
	return changed, nil
}
