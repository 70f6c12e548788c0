package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysync/internal/model"
)

// runStoreContract exercises behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("InsertTransactionIsIdempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		tx := payment("evt_c1", "pi_c1", "u1", "42.50")

		first, created, err := s.InsertTransaction(ctx, tx)
		require.NoError(t, err)
		assert.True(t, created)

		again := payment("evt_c1", "pi_c1", "u1", "99.00")
		second, created, err := s.InsertTransaction(ctx, again)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.True(t, second.Amount.Equal(decimal.RequireFromString("42.50")))
	})

	t.Run("OriginalPaymentSkipsRefundsAndFailures", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		failed := payment("evt_c2a", "pi_c2", "u2", "10")
		failed.Status = model.TxFailed
		_, _, err := s.InsertTransaction(ctx, failed)
		require.NoError(t, err)

		_, err = s.OriginalPayment(ctx, "pi_c2")
		assert.ErrorIs(t, err, model.ErrNotFound)

		ok := payment("evt_c2b", "pi_c2", "u2", "10")
		_, _, err = s.InsertTransaction(ctx, ok)
		require.NoError(t, err)

		refund := payment("evt_c2c", "pi_c2", "u2", "10")
		refund.Kind = model.KindRefund
		refund.Status = model.TxRefunded
		_, _, err = s.InsertTransaction(ctx, refund)
		require.NoError(t, err)

		orig, err := s.OriginalPayment(ctx, "pi_c2")
		require.NoError(t, err)
		assert.Equal(t, ok.ID, orig.ID)

		require.NoError(t, s.MarkRefunded(ctx, orig.ID))
		require.NoError(t, s.MarkRefunded(ctx, orig.ID))
		got, err := s.TransactionByID(ctx, orig.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TxRefunded, got.Status)
	})

	t.Run("AllocationsAppendOnly", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		tx, _, err := s.InsertTransaction(ctx, payment("evt_c3", "pi_c3", "u3", "100"))
		require.NoError(t, err)

		a := &model.FundAllocation{
			ID:            uuid.NewString(),
			TransactionID: tx.ID,
			SourceEventID: "evt_c3",
			Amount:        decimal.RequireFromString("10.0000"),
			SourceAmount:  decimal.RequireFromString("100"),
			Percentage:    decimal.RequireFromString("10"),
			Category:      "general",
			Status:        model.AllocationAllocated,
			CreatedAt:     time.Now().UTC(),
		}
		_, created, err := s.InsertAllocation(ctx, a)
		require.NoError(t, err)
		assert.True(t, created)

		dup := *a
		dup.ID = uuid.NewString()
		_, created, err = s.InsertAllocation(ctx, &dup)
		require.NoError(t, err)
		assert.False(t, created)

		list, err := s.AllocationsByTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("ProcessedKeepsFirstRecord", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		now := time.Now().UTC().Truncate(time.Millisecond)

		require.NoError(t, s.MarkProcessed(ctx, &model.ProcessedEvent{
			EventID: "evt_c4", EventType: model.EventPaymentSucceeded,
			InvalidationKeys: []string{"user:u4:payments"}, ProcessedAt: now,
		}))
		require.NoError(t, s.MarkProcessed(ctx, &model.ProcessedEvent{
			EventID: "evt_c4", EventType: model.EventPaymentSucceeded,
			InvalidationKeys: []string{"other"}, ProcessedAt: now,
		}))

		p, err := s.ProcessedEvent(ctx, "evt_c4")
		require.NoError(t, err)
		assert.Equal(t, []string{"user:u4:payments"}, p.InvalidationKeys)

		_, err = s.ProcessedEvent(ctx, "evt_missing")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("ActivationUpsert", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.Activation(ctx, "u6", model.ActivationCourse, "course_1")
		assert.ErrorIs(t, err, model.ErrNotFound)

		a := &model.Activation{
			OwnerID:     "u6",
			Kind:        model.ActivationCourse,
			TargetID:    "course_1",
			Status:      model.ActivationActive,
			ActivatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.UpsertActivation(ctx, a))

		a.Status = model.ActivationCancelled
		require.NoError(t, s.UpsertActivation(ctx, a))

		got, err := s.Activation(ctx, "u6", model.ActivationCourse, "course_1")
		require.NoError(t, err)
		assert.Equal(t, model.ActivationCancelled, got.Status)
	})

	t.Run("RetryLifecycle", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		now := time.Now().UTC().Truncate(time.Millisecond)

		rec := &model.RetryRecord{
			EventID:       "evt_c5",
			EventType:     model.EventPaymentSucceeded,
			Payload:       json.RawMessage(`{"id":"evt_c5"}`),
			LastError:     "timeout",
			LastAttemptAt: now,
			NextAttemptAt: now,
		}
		first, err := s.RecordAttemptFailure(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, 1, first.AttemptCount)

		second, err := s.RecordAttemptFailure(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, 2, second.AttemptCount)

		due, err := s.ClaimDue(ctx, now.Add(time.Second), time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)

		again, err := s.ClaimDue(ctx, now.Add(2*time.Second), time.Minute, 10)
		require.NoError(t, err)
		assert.Empty(t, again, "lease hides claimed records")

		require.NoError(t, s.Reschedule(ctx, "evt_c5", now, model.RetryDeadLetter))
		dead, err := s.ListRetries(ctx, model.RetryDeadLetter, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)

		require.NoError(t, s.ResetRetry(ctx, "evt_c5", now))
		got, err := s.Retry(ctx, "evt_c5")
		require.NoError(t, err)
		assert.Equal(t, model.RetryPending, got.Status)
		assert.Equal(t, 0, got.AttemptCount)

		assert.ErrorIs(t, s.ResetRetry(ctx, "evt_none", now), model.ErrNotFound)

		require.NoError(t, s.DeleteRetry(ctx, "evt_c5"))
		_, err = s.Retry(ctx, "evt_c5")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func payment(eventID, ref, owner, amount string) *model.Transaction {
	return &model.Transaction{
		ID:            uuid.NewString(),
		SourceEventID: eventID,
		PaymentRef:    ref,
		Kind:          model.KindPayment,
		Amount:        decimal.RequireFromString(amount),
		Currency:      "usd",
		Status:        model.TxSucceeded,
		OwnerID:       owner,
		CreatedAt:     time.Now().UTC(),
	}
}
