package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysync/internal/model"
	"paysync/internal/repository"
	"paysync/internal/service"
)

type countingQueue struct {
	calls atomic.Int32
	err   error
	limit int
	lease time.Duration
}

func (q *countingQueue) ProcessDue(_ context.Context, _ service.Dispatcher, limit int, lease time.Duration) (int, error) {
	q.calls.Add(1)
	q.limit = limit
	q.lease = lease
	return 0, q.err
}

type okDispatcher struct{}

func (okDispatcher) Dispatch(context.Context, *model.Event) model.HandlerResult {
	return model.HandlerResult{Processed: true}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runFor(t *testing.T, w *RetryWorker, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, w.Start(ctx))
}

func TestRetryWorker_ProcessesImmediatelyAndOnInterval(t *testing.T) {
	q := &countingQueue{}
	w := NewRetryWorker(q, okDispatcher{}, 20*time.Millisecond, 25, time.Minute, discard())

	runFor(t, w, 110*time.Millisecond)

	assert.GreaterOrEqual(t, q.calls.Load(), int32(3))
	assert.Equal(t, 25, q.limit)
	assert.Equal(t, time.Minute, q.lease)
}

func TestRetryWorker_KeepsRunningAfterBatchError(t *testing.T) {
	q := &countingQueue{err: errors.New("db down")}
	w := NewRetryWorker(q, okDispatcher{}, 10*time.Millisecond, 10, time.Minute, discard())

	runFor(t, w, 60*time.Millisecond)

	assert.GreaterOrEqual(t, q.calls.Load(), int32(2))
}

func TestRetryWorker_ReplaysStoredRecord(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	queue := service.NewRetryQueue(store, nil, nil, discard())

	past := time.Now().Add(-time.Minute)
	_, err := store.RecordAttemptFailure(ctx, &model.RetryRecord{
		EventID:       "evt_w1",
		EventType:     model.EventPaymentSucceeded,
		LastError:     "timeout",
		LastAttemptAt: past,
		NextAttemptAt: past,
	})
	require.NoError(t, err)

	w := NewRetryWorker(queue, okDispatcher{}, time.Hour, 10, time.Minute, discard())
	runFor(t, w, 30*time.Millisecond)

	_, err = store.Retry(ctx, "evt_w1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
