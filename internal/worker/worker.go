package worker

import (
	"context"
	"log/slog"
	"time"

	"paysync/internal/service"
)

// DueProcessor replays due retry records. *service.RetryQueue implements it.
type DueProcessor interface {
	ProcessDue(ctx context.Context, d service.Dispatcher, limit int, lease time.Duration) (int, error)
}

// RetryWorker drains the retry queue on a fixed interval. Leases on claimed
// records let several instances run side by side.
type RetryWorker struct {
	queue      DueProcessor
	dispatcher service.Dispatcher
	interval   time.Duration
	batch      int
	lease      time.Duration
	logger     *slog.Logger
}

func NewRetryWorker(queue DueProcessor, d service.Dispatcher, interval time.Duration, batch int, lease time.Duration, logger *slog.Logger) *RetryWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryWorker{
		queue:      queue,
		dispatcher: d,
		interval:   interval,
		batch:      batch,
		lease:      lease,
		logger:     logger.With("component", "retry_worker"),
	}
}

// Run processes one batch immediately, then once per interval, and blocks
// until ctx is cancelled.
func (w *RetryWorker) Run(ctx context.Context) error {
	w.logger.Info("Retry worker is running", "interval", w.interval, "batch", w.batch)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.tick(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("Retry worker received shutdown signal")
			return nil
		case <-ticker.C:
		}
	}
}

func (w *RetryWorker) tick(ctx context.Context) {
	n, err := w.queue.ProcessDue(ctx, w.dispatcher, w.batch, w.lease)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("retry batch failed", "error", err)
		}
		return
	}
	if n > 0 {
		w.logger.Info("retry batch replayed", "succeeded", n)
	}
}

// Start implements the infrastructure.Server interface.
func (w *RetryWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *RetryWorker) Stop(ctx context.Context) error {
	return nil
}
