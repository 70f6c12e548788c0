package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"paysync/internal/config"
	"paysync/internal/metrics"
	"paysync/internal/model"
	"paysync/internal/repository"
)

// DeadLetterNotifier is told about every event that exhausts its retry
// budget. The RabbitMQ publisher implements it.
type DeadLetterNotifier interface {
	NotifyDeadLetter(ctx context.Context, rec *model.RetryRecord) error
}

// Dispatcher replays a stored event. *Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *model.Event) model.HandlerResult
}

// RetryQueue persists failed events and replays them with exponential
// backoff until they succeed or reach the attempt ceiling.
type RetryQueue struct {
	store    repository.RetryStore
	policy   PolicySource
	notifier DeadLetterNotifier
	logger   *slog.Logger
	now      func() time.Time
	jitter   func() float64
}

func NewRetryQueue(store repository.RetryStore, policy PolicySource, notifier DeadLetterNotifier, logger *slog.Logger) *RetryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = StaticPolicy(config.DefaultPolicy())
	}
	return &RetryQueue{
		store:    store,
		policy:   policy,
		notifier: notifier,
		logger:   logger.With("component", "retry_queue"),
		now:      time.Now,
		jitter:   rand.Float64,
	}
}

// Backoff returns the delay before attempt+1: base * 2^(attempt-1), capped
// at the maximum, then scaled by a random factor in [1-jitter, 1+jitter).
func (q *RetryQueue) Backoff(attempt int) time.Duration {
	p := q.policy.Policy().Retry
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter > 0 {
		factor := 1 + p.Jitter*(2*q.jitter()-1)
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// RecordFailure stores one failed attempt for ev. It dead-letters the
// record once the attempt ceiling is reached or the cause is terminal.
func (q *RetryQueue) RecordFailure(ctx context.Context, ev *model.Event, cause error) (*model.RetryRecord, error) {
	now := q.now().UTC()
	rec, err := q.store.RecordAttemptFailure(ctx, &model.RetryRecord{
		EventID:       ev.ID,
		EventType:     ev.Type,
		Payload:       ev.Payload,
		LastError:     cause.Error(),
		LastAttemptAt: now,
		NextAttemptAt: now.Add(q.Backoff(1)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: record retry for %s: %v", model.ErrTransientStore, ev.ID, err)
	}

	log := q.logger.With("event_id", ev.ID, "type", ev.Type, "attempt", rec.AttemptCount)
	if rec.Status == model.RetryDeadLetter {
		log.Warn("event already dead-lettered, attempt recorded")
		return rec, nil
	}

	if rec.AttemptCount >= q.policy.Policy().Retry.MaxAttempts || model.IsTerminal(cause) {
		return rec, q.deadLetter(ctx, rec, now, log)
	}

	next := now.Add(q.Backoff(rec.AttemptCount))
	if err := q.store.Reschedule(ctx, ev.ID, next, model.RetryPending); err != nil {
		return nil, fmt.Errorf("%w: reschedule %s: %v", model.ErrTransientStore, ev.ID, err)
	}
	rec.NextAttemptAt = next

	log.Warn("event stored for retry", "next_attempt_at", next, "error", cause)
	return rec, nil
}

func (q *RetryQueue) deadLetter(ctx context.Context, rec *model.RetryRecord, now time.Time, log *slog.Logger) error {
	if err := q.store.Reschedule(ctx, rec.EventID, now, model.RetryDeadLetter); err != nil {
		return fmt.Errorf("%w: dead-letter %s: %v", model.ErrTransientStore, rec.EventID, err)
	}
	rec.Status = model.RetryDeadLetter
	rec.NextAttemptAt = now

	metrics.DeadLetters.Inc()
	log.Error("event dead-lettered", "last_error", rec.LastError)

	if q.notifier != nil {
		if err := q.notifier.NotifyDeadLetter(ctx, rec); err != nil {
			log.Warn("dead-letter notification failed", "error", err)
		}
	}
	return nil
}

// ProcessDue leases up to limit due records and replays each through d. It
// returns how many replays succeeded.
func (q *RetryQueue) ProcessDue(ctx context.Context, d Dispatcher, limit int, lease time.Duration) (int, error) {
	due, err := q.store.ClaimDue(ctx, q.now().UTC(), lease, limit)
	if err != nil {
		return 0, fmt.Errorf("claim due retries: %w", err)
	}

	succeeded := 0
	for i := range due {
		if ctx.Err() != nil {
			return succeeded, ctx.Err()
		}
		rec := &due[i]
		ev := rec.Event()

		res := d.Dispatch(ctx, ev)
		if res.Err == nil {
			if err := q.store.DeleteRetry(ctx, rec.EventID); err != nil {
				q.logger.Warn("failed to clear replayed record", "event_id", rec.EventID, "error", err)
			}
			metrics.RetryAttempts.WithLabelValues("succeeded").Inc()
			q.logger.Info("replayed event succeeded", "event_id", rec.EventID, "type", rec.EventType, "attempts", rec.AttemptCount+1)
			succeeded++
			continue
		}

		if res.StoredForRetry {
			// A concurrent webhook delivery already recorded this attempt.
			metrics.RetryAttempts.WithLabelValues("rescheduled").Inc()
			continue
		}

		updated, err := q.RecordFailure(ctx, ev, res.Err)
		if err != nil {
			q.logger.Error("failed to record replay failure", "event_id", rec.EventID, "error", err)
			continue
		}
		if updated.Status == model.RetryDeadLetter {
			metrics.RetryAttempts.WithLabelValues("dead_letter").Inc()
		} else {
			metrics.RetryAttempts.WithLabelValues("rescheduled").Inc()
		}
	}
	return succeeded, nil
}

// DeadLetters lists dead-lettered events, newest failure first.
func (q *RetryQueue) DeadLetters(ctx context.Context, limit int) ([]model.RetryRecord, error) {
	recs, err := q.store.ListRetries(ctx, model.RetryDeadLetter, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return recs, nil
}

// Requeue resets a record's attempt budget and makes it due immediately.
func (q *RetryQueue) Requeue(ctx context.Context, eventID string) error {
	if err := q.store.ResetRetry(ctx, eventID, q.now().UTC()); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return err
		}
		return fmt.Errorf("requeue %s: %w", eventID, err)
	}
	q.logger.Info("event requeued", "event_id", eventID)
	return nil
}
