package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysync/internal/model"
	"paysync/internal/repository"
)

func TestRouter_HandlesEveryEventType(t *testing.T) {
	p := newPipeline(repository.NewMemoryStore())
	for _, typ := range model.HandledEventTypes {
		assert.True(t, p.router.Handles(typ), "no handler for %s", typ)
	}
	assert.Len(t, p.router.handlers, len(model.HandledEventTypes))
}

func TestRoute_DuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	p := newPipeline(store)

	ev := newEvent(t, "evt_1", model.EventPaymentSucceeded, paymentIntent("pi_1", 5000, map[string]string{"userId": "u1"}))

	first := p.router.Route(ctx, ev)
	require.NoError(t, first.Err)
	assert.True(t, first.Processed)
	assert.False(t, first.Duplicate)

	second := p.router.Route(ctx, ev)
	require.NoError(t, second.Err)
	assert.True(t, second.Processed)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.InvalidationKeys, second.InvalidationKeys)

	txs, err := store.TransactionsByOwner(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Amount.Equal(decimal.RequireFromString("50")))

	allocs, err := store.AllocationsByTransaction(ctx, txs[0].ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.True(t, allocs[0].Amount.Equal(decimal.RequireFromString("5")))
	assert.Equal(t, "general", allocs[0].Category)

	assert.Len(t, p.bus.messages, 1, "duplicates must not republish")
}

func TestRoute_ConcurrentCopiesRecordOnce(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	p := newPipeline(store)
	ev := newEvent(t, "evt_c", model.EventPaymentSucceeded, paymentIntent("pi_c", 1200, map[string]string{"userId": "u7"}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := p.router.Route(ctx, ev)
			assert.NoError(t, res.Err)
		}()
	}
	wg.Wait()

	txs, err := store.TransactionsByOwner(ctx, "u7", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	allocs, err := store.AllocationsByTransaction(ctx, txs[0].ID)
	require.NoError(t, err)
	assert.Len(t, allocs, 1)
}

// blockingStore holds the first transaction write until release is closed,
// then fails it.
type blockingStore struct {
	*repository.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) InsertTransaction(ctx context.Context, tx *model.Transaction) (*model.Transaction, bool, error) {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
		return nil, false, errors.New("write timeout")
	}
	return b.MemoryStore.InsertTransaction(ctx, tx)
}

func TestRoute_ConcurrentCopiesOfFailingEventCountOneAttempt(t *testing.T) {
	ctx := context.Background()
	store := &blockingStore{
		MemoryStore: repository.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	p := newPipeline(store)
	ev := newEvent(t, "evt_cf", model.EventPaymentSucceeded, paymentIntent("pi_cf", 900, map[string]string{"userId": "u9"}))

	results := make(chan model.HandlerResult, 2)
	go func() { results <- p.router.Route(ctx, ev) }()
	<-store.entered
	go func() { results <- p.router.Route(ctx, ev) }()
	time.Sleep(50 * time.Millisecond)
	close(store.release)

	for i := 0; i < 2; i++ {
		res := <-results
		assert.Error(t, res.Err)
		assert.True(t, res.StoredForRetry)
	}

	rec, err := store.Retry(ctx, "evt_cf")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AttemptCount)
}

func TestRoute_TransientFailureThenRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: repository.NewMemoryStore(), failInserts: 1}
	p := newPipeline(store)
	ev := newEvent(t, "evt_2", model.EventPaymentSucceeded, paymentIntent("pi_2", 2500, map[string]string{"userId": "u2"}))

	res := p.router.Route(ctx, ev)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, model.ErrTransientStore)
	assert.True(t, res.StoredForRetry)
	assert.False(t, res.Processed)

	rec, err := store.Retry(ctx, "evt_2")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, model.RetryPending, rec.Status)

	later := rec.NextAttemptAt.Add(time.Second)
	p.queue.now = func() time.Time { return later }

	n, err := p.queue.ProcessDue(ctx, p.router, 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Retry(ctx, "evt_2")
	assert.ErrorIs(t, err, model.ErrNotFound)

	txs, err := store.TransactionsByOwner(ctx, "u2", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestRoute_FullRefundNegatesAllocation(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	p := newPipeline(store)

	pay := p.router.Route(ctx, newEvent(t, "evt_pay", model.EventPaymentSucceeded,
		paymentIntent("pi_3", 5000, map[string]string{"userId": "u3"})))
	require.NoError(t, pay.Err)

	refund := p.router.Route(ctx, newEvent(t, "evt_ref", model.EventChargeRefunded,
		refundedCharge("ch_3", "pi_3", 5000, 5000, nil)))
	require.NoError(t, refund.Err)
	assert.Contains(t, refund.InvalidationKeys, "user:u3:payments")

	original, err := store.OriginalPayment(ctx, "pi_3")
	require.NoError(t, err)
	assert.Equal(t, model.TxRefunded, original.Status)

	allocs, err := store.AllocationsByTransaction(ctx, original.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 2)
	assert.Equal(t, model.AllocationAllocated, allocs[0].Status)
	assert.Equal(t, model.AllocationReversed, allocs[1].Status)
	assert.Equal(t, "refund", allocs[1].Category)
	assert.True(t, allocs[1].Amount.Equal(allocs[0].Amount.Neg()),
		"reversal %s must negate %s", allocs[1].Amount, allocs[0].Amount)

	refundTx, err := store.TransactionBySourceEvent(ctx, "evt_ref")
	require.NoError(t, err)
	assert.Equal(t, "u3", refundTx.OwnerID, "owner falls back to the original payment")
	assert.Equal(t, model.KindRefund, refundTx.Kind)
}

func TestRoute_PartialRefundsReverseProportionally(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	p := newPipeline(store)

	require.NoError(t, p.router.Route(ctx, newEvent(t, "evt_p", model.EventPaymentSucceeded,
		paymentIntent("pi_4", 5000, map[string]string{"userId": "u4"}))).Err)

	require.NoError(t, p.router.Route(ctx, newEvent(t, "evt_r1", model.EventChargeRefunded,
		refundedCharge("ch_4", "pi_4", 5000, 2000, nil))).Err)

	original, err := store.OriginalPayment(ctx, "pi_4")
	require.NoError(t, err)
	assert.Equal(t, model.TxSucceeded, original.Status)

	require.NoError(t, p.router.Route(ctx, newEvent(t, "evt_r2", model.EventChargeRefunded,
		refundedCharge("ch_4", "pi_4", 5000, 5000, nil))).Err)

	allocs, err := store.AllocationsByTransaction(ctx, original.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 3)
	assert.True(t, allocs[1].Amount.Equal(decimal.RequireFromString("-2")))
	assert.True(t, allocs[2].Amount.Equal(decimal.RequireFromString("-3")))

	total := decimal.Zero
	for _, a := range allocs {
		total = total.Add(a.Amount)
	}
	assert.True(t, total.IsZero())

	original, err = store.OriginalPayment(ctx, "pi_4")
	require.NoError(t, err)
	assert.Equal(t, model.TxRefunded, original.Status)
}

func TestRoute_RefundBeforePaymentIsRetried(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	p := newPipeline(store)

	res := p.router.Route(ctx, newEvent(t, "evt_early", model.EventChargeRefunded,
		refundedCharge("ch_5", "pi_5", 1000, 1000, map[string]string{"userId": "u5"})))
	assert.ErrorIs(t, res.Err, model.ErrAllocationFailure)
	assert.True(t, res.StoredForRetry)

	require.NoError(t, p.router.Route(ctx, newEvent(t, "evt_late_pay", model.EventPaymentSucceeded,
		paymentIntent("pi_5", 1000, map[string]string{"userId": "u5"}))).Err)

	rec, err := store.Retry(ctx, "evt_early")
	require.NoError(t, err)
	p.queue.now = func() time.Time { return rec.NextAttemptAt.Add(time.Second) }

	n, err := p.queue.ProcessDue(ctx, p.router, 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	original, err := store.OriginalPayment(ctx, "pi_5")
	require.NoError(t, err)
	allocs, err := store.AllocationsByTransaction(ctx, original.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 2)
	assert.True(t, allocs[1].Amount.Equal(allocs[0].Amount.Neg()))
}

func TestRoute_ZeroAmountBoundaries(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	p := newPipeline(store)

	zeroPay := p.router.Route(ctx, newEvent(t, "evt_zero", model.EventPaymentSucceeded,
		paymentIntent("pi_0", 0, map[string]string{"userId": "u6"})))
	assert.ErrorIs(t, zeroPay.Err, model.ErrInvalidAmount)
	_, err := store.TransactionBySourceEvent(ctx, "evt_zero")
	assert.ErrorIs(t, err, model.ErrNotFound)

	zeroRefund := p.router.Route(ctx, newEvent(t, "evt_zero_ref", model.EventChargeRefunded,
		refundedCharge("ch_0", "pi_trial", 0, 0, map[string]string{"userId": "u6"})))
	require.NoError(t, zeroRefund.Err)
	assert.True(t, zeroRefund.Processed)

	tx, err := store.TransactionBySourceEvent(ctx, "evt_zero_ref")
	require.NoError(t, err)
	assert.Equal(t, model.TxRefunded, tx.Status)
	assert.True(t, tx.Amount.IsZero())
}

func TestRoute_UnknownTypeIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	p := newPipeline(store)

	res := p.router.Route(ctx, newEvent(t, "evt_unknown", "balance.available", map[string]any{"object": "balance"}))
	require.NoError(t, res.Err)
	assert.True(t, res.Processed)
	assert.True(t, res.Ignored)

	_, err := store.Retry(ctx, "evt_unknown")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = store.ProcessedEvent(ctx, "evt_unknown")
	require.NoError(t, err)

	again := p.router.Route(ctx, newEvent(t, "evt_unknown", "balance.available", map[string]any{"object": "balance"}))
	require.NoError(t, again.Err)
	assert.True(t, again.Duplicate)
}

func TestRoute_UndecodableObjectIsRejected(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	p := newPipeline(store)

	res := p.router.Route(ctx, newEvent(t, "evt_bad", model.EventPaymentSucceeded, []int{1, 2}))
	assert.ErrorIs(t, res.Err, model.ErrMalformedPayload)
	assert.True(t, res.Rejected)
	assert.False(t, res.StoredForRetry)

	_, err := store.Retry(ctx, "evt_bad")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRoute_MissingOwnerIsRetryable(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(repository.NewMemoryStore())

	res := p.router.Route(ctx, newEvent(t, "evt_anon", model.EventPaymentSucceeded, paymentIntent("pi_anon", 900, nil)))
	assert.ErrorIs(t, res.Err, model.ErrMissingOwner)
	assert.True(t, res.StoredForRetry)
}

func TestRoute_FailedPaymentRecordsWithoutAllocation(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	p := newPipeline(store)

	obj := paymentIntent("pi_f", 3000, map[string]string{"userId": "u8"})
	obj["last_payment_error"] = map[string]any{"message": "card declined"}
	res := p.router.Route(ctx, newEvent(t, "evt_fail", model.EventPaymentFailed, obj))
	require.NoError(t, res.Err)

	tx, err := store.TransactionBySourceEvent(ctx, "evt_fail")
	require.NoError(t, err)
	assert.Equal(t, model.TxFailed, tx.Status)
	assert.Equal(t, "card declined", tx.FailureReason)

	allocs, err := store.AllocationsByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Empty(t, allocs)
}

func TestRoute_CourseEnrollmentActivatesOnce(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	p := newPipeline(store)

	md := map[string]string{"userId": "s1", "type": "course_enrollment", "courseId": "c1"}
	res := p.router.Route(ctx, newEvent(t, "evt_enroll", model.EventPaymentSucceeded, paymentIntent("pi_e", 4900, md)))
	require.NoError(t, res.Err)

	act, err := store.Activation(ctx, "s1", model.ActivationCourse, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ActivationActive, act.Status)

	assert.Contains(t, res.InvalidationKeys, "user:s1:payments")
	assert.Contains(t, res.InvalidationKeys, "student:s1:enrollments")
	assert.Contains(t, res.InvalidationKeys, "courses:list:*")

	tx, err := store.TransactionBySourceEvent(ctx, "evt_enroll")
	require.NoError(t, err)
	first := act.ActivatedAt

	// A second apply with the same transaction leaves the activation alone.
	_, err = p.router.applier.Apply(ctx, tx, model.EventPaymentSucceeded, Effects{
		Allocate:   true,
		Activation: &ActivationEffect{Kind: model.ActivationCourse, TargetID: "c1"},
	})
	require.NoError(t, err)

	act, err = store.Activation(ctx, "s1", model.ActivationCourse, "c1")
	require.NoError(t, err)
	assert.Equal(t, first, act.ActivatedAt)

	allocs, err := store.AllocationsByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, allocs, 1)
}

func TestRoute_SubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	p := newPipeline(store)

	sub := map[string]any{
		"id":       "sub_1",
		"object":   "subscription",
		"status":   "active",
		"metadata": map[string]string{"userId": "u9", "planId": "pro"},
	}
	res := p.router.Route(ctx, newEvent(t, "evt_sub_c", model.EventSubscriptionCreated, sub))
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"user:u9:subscription", "user:u9:entitlements"}, res.InvalidationKeys)

	act, err := store.Activation(ctx, "u9", model.ActivationSubscription, "pro")
	require.NoError(t, err)
	assert.Equal(t, model.ActivationActive, act.Status)

	sub["status"] = "canceled"
	require.NoError(t, p.router.Route(ctx, newEvent(t, "evt_sub_d", model.EventSubscriptionDeleted, sub)).Err)

	act, err = store.Activation(ctx, "u9", model.ActivationSubscription, "pro")
	require.NoError(t, err)
	assert.Equal(t, model.ActivationCancelled, act.Status)
}

func TestRoute_PublishesInvalidationKeys(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(repository.NewMemoryStore())

	res := p.router.Route(ctx, newEvent(t, "evt_pub", model.EventInvoicePaid, map[string]any{
		"id":          "in_1",
		"object":      "invoice",
		"amount_paid": 1900,
		"currency":    "usd",
		"metadata":    map[string]string{"userId": "u10"},
	}))
	require.NoError(t, res.Err)

	require.Len(t, p.bus.messages, 1)
	assert.Equal(t, repository.TopicInvalidate, p.bus.topics[0])
	assert.Equal(t, "evt_pub", p.bus.messages[0].EventID)
	assert.Equal(t, res.InvalidationKeys, p.bus.messages[0].Keys)
}

func TestRoute_PublishFailureDoesNotFailEvent(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(repository.NewMemoryStore())
	p.bus.err = assert.AnError

	res := p.router.Route(ctx, newEvent(t, "evt_nobus", model.EventPaymentSucceeded,
		paymentIntent("pi_nb", 700, map[string]string{"userId": "u11"})))
	require.NoError(t, res.Err)
	assert.True(t, res.Processed)
}
