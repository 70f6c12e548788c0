package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/singleflight"

	"paysync/internal/cachekeys"
	"paysync/internal/config"
	"paysync/internal/metrics"
	"paysync/internal/model"
	"paysync/internal/repository"
)

type handlerFunc func(ctx context.Context, ev *model.Event) ([]string, error)

// Router dispatches verified events to exactly one handler per type and
// enforces logical exactly-once processing per event id.
type Router struct {
	ledger   *LedgerWriter
	applier  *Applier
	store    repository.Store
	queue    *RetryQueue
	bus      repository.MessageBus
	policy   PolicySource
	handlers map[model.EventType]handlerFunc
	inflight singleflight.Group
	logger   *slog.Logger
	now      func() time.Time
}

// NewRouter wires the ledger writer and applier over store. queue may be
// nil, in which case failed events are only reported to the caller.
func NewRouter(store repository.Store, bus repository.MessageBus, queue *RetryQueue, policy PolicySource, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = repository.NopBus{}
	}
	if policy == nil {
		policy = StaticPolicy(config.DefaultPolicy())
	}
	r := &Router{
		ledger:  NewLedgerWriter(store, logger),
		applier: NewApplier(store, policy, logger),
		store:   store,
		queue:   queue,
		bus:     bus,
		policy:  policy,
		logger:  logger.With("component", "router"),
		now:     time.Now,
	}
	r.handlers = map[model.EventType]handlerFunc{
		model.EventPaymentSucceeded:     r.handlePaymentIntent,
		model.EventPaymentFailed:        r.handlePaymentIntent,
		model.EventChargeSucceeded:      r.acknowledge,
		model.EventChargeRefunded:       r.handleRefund,
		model.EventInvoicePaid:          r.handleInvoice,
		model.EventInvoicePaymentFailed: r.handleInvoice,
		model.EventSubscriptionCreated:  r.handleSubscription,
		model.EventSubscriptionUpdated:  r.handleSubscription,
		model.EventSubscriptionDeleted:  r.handleSubscription,
		model.EventCustomerCreated:      r.acknowledge,
		model.EventCustomerUpdated:      r.acknowledge,
		model.EventPayoutPaid:           r.acknowledge,
		model.EventPayoutFailed:         r.acknowledge,
	}
	return r
}

// Handles reports whether t has a registered handler.
func (r *Router) Handles(t model.EventType) bool {
	_, ok := r.handlers[t]
	return ok
}

// Route dispatches ev and writes a retry record when the handler fails with
// a retryable error. Concurrent copies of one event share a single execution
// and a single recorded attempt.
func (r *Router) Route(ctx context.Context, ev *model.Event) model.HandlerResult {
	res := r.coalesce(ctx, ev, func(ctx context.Context) model.HandlerResult {
		res := r.dispatch(ctx, ev)
		if res.Err != nil && !res.Rejected && r.queue != nil {
			if _, err := r.queue.RecordFailure(ctx, ev, res.Err); err != nil {
				r.logger.Error("failed to store event for retry", "event_id", ev.ID, "type", ev.Type, "error", err)
			} else {
				res.StoredForRetry = true
			}
		}
		return res
	})

	metrics.WebhooksReceived.WithLabelValues(string(ev.Type), outcome(res)).Inc()
	return res
}

// Dispatch runs the handler without touching the retry queue. Concurrent
// calls for the same event id share one execution.
func (r *Router) Dispatch(ctx context.Context, ev *model.Event) model.HandlerResult {
	return r.coalesce(ctx, ev, func(ctx context.Context) model.HandlerResult {
		return r.dispatch(ctx, ev)
	})
}

// coalesce runs fn once per in-flight event id. fn gets a context detached
// from the caller's cancellation, since its result is shared with callers
// that joined later.
func (r *Router) coalesce(ctx context.Context, ev *model.Event, fn func(context.Context) model.HandlerResult) model.HandlerResult {
	shared := context.WithoutCancel(ctx)
	v, _, _ := r.inflight.Do(ev.ID, func() (any, error) {
		return fn(shared), nil
	})
	res := v.(model.HandlerResult)
	res.InvalidationKeys = slices.Clone(res.InvalidationKeys)
	return res
}

func (r *Router) dispatch(ctx context.Context, ev *model.Event) model.HandlerResult {
	log := r.logger.With("event_id", ev.ID, "type", ev.Type)
	res := model.HandlerResult{EventID: ev.ID}

	prior, err := r.store.ProcessedEvent(ctx, ev.ID)
	switch {
	case err == nil:
		log.Info("duplicate delivery, returning recorded result")
		r.resolveRetry(ctx, ev.ID, log)
		res.Processed = true
		res.Duplicate = true
		res.InvalidationKeys = prior.InvalidationKeys
		return res
	case !errors.Is(err, model.ErrNotFound):
		res.Err = fmt.Errorf("%w: lookup processed event: %v", model.ErrTransientStore, err)
		return res
	}

	handle, ok := r.handlers[ev.Type]
	if !ok {
		log.Info("ignoring unhandled event type")
		err := r.store.MarkProcessed(ctx, &model.ProcessedEvent{
			EventID:          ev.ID,
			EventType:        ev.Type,
			InvalidationKeys: []string{},
			ProcessedAt:      r.now().UTC(),
		})
		if err != nil {
			log.Warn("failed to mark ignored event processed", "error", err)
		}
		res.Processed = true
		res.Ignored = true
		return res
	}

	start := r.now()
	keys, err := handle(ctx, ev)
	metrics.EventProcessingDuration.WithLabelValues(string(ev.Type)).
		Observe(float64(r.now().Sub(start).Milliseconds()))
	if err != nil {
		res.Err = err
		if errors.Is(err, model.ErrMalformedPayload) {
			res.Rejected = true
			log.Warn("rejecting undecodable event", "error", err)
		} else {
			log.Error("handler failed", "error_kind", model.ErrorKind(err), "error", err)
		}
		return res
	}
	if keys == nil {
		keys = []string{}
	}

	err = r.store.MarkProcessed(ctx, &model.ProcessedEvent{
		EventID:          ev.ID,
		EventType:        ev.Type,
		InvalidationKeys: keys,
		ProcessedAt:      r.now().UTC(),
	})
	if err != nil {
		res.Err = fmt.Errorf("%w: mark processed: %v", model.ErrTransientStore, err)
		log.Error("failed to mark event processed", "error", err)
		return res
	}

	r.resolveRetry(ctx, ev.ID, log)
	r.publish(ctx, ev.ID, keys, log)

	log.Info("event processed", "keys", len(keys))
	res.Processed = true
	res.InvalidationKeys = keys
	return res
}

func (r *Router) resolveRetry(ctx context.Context, eventID string, log *slog.Logger) {
	if err := r.store.DeleteRetry(ctx, eventID); err != nil {
		log.Warn("failed to clear retry record", "error", err)
	}
}

// publish failures are logged only; stale entries expire with their TTL.
func (r *Router) publish(ctx context.Context, eventID string, keys []string, log *slog.Logger) {
	if len(keys) == 0 {
		return
	}
	data, err := json.Marshal(repository.InvalidationMessage{EventID: eventID, Keys: keys})
	if err != nil {
		log.Error("failed to marshal invalidation message", "error", err)
		return
	}
	if err := r.bus.Publish(ctx, repository.TopicInvalidate, eventID, data); err != nil {
		log.Warn("failed to publish invalidation keys", "error", err)
		return
	}
	metrics.InvalidationKeysPublished.Add(float64(len(keys)))
}

func outcome(res model.HandlerResult) string {
	switch {
	case res.Duplicate:
		return "duplicate"
	case res.Ignored:
		return "ignored"
	case res.Rejected:
		return "rejected"
	case res.StoredForRetry:
		return "stored_for_retry"
	case res.Err != nil:
		return "failed"
	default:
		return "processed"
	}
}

func (r *Router) acknowledge(_ context.Context, ev *model.Event) ([]string, error) {
	r.logger.Debug("acknowledged without side effects", "event_id", ev.ID, "type", ev.Type)
	return nil, nil
}

func (r *Router) handlePaymentIntent(ctx context.Context, ev *model.Event) ([]string, error) {
	n, eff, err := normalizePaymentIntent(ev, r.policy.Policy().Allocation.Category)
	if err != nil {
		return nil, err
	}
	return r.recordAndApply(ctx, ev, n, eff)
}

func (r *Router) handleInvoice(ctx context.Context, ev *model.Event) ([]string, error) {
	n, eff, err := normalizeInvoice(ev, r.policy.Policy().Allocation.SubscriptionCategory)
	if err != nil {
		return nil, err
	}
	return r.recordAndApply(ctx, ev, n, eff)
}

// handleRefund falls back to the owner of the original payment when the
// charge carries no owner metadata.
func (r *Router) handleRefund(ctx context.Context, ev *model.Event) ([]string, error) {
	n, eff, err := normalizeRefund(ev)
	if err != nil {
		return nil, err
	}
	if n.OwnerID == "" {
		original, err := r.store.OriginalPayment(ctx, n.PaymentRef)
		switch {
		case err == nil:
			n.OwnerID = original.OwnerID
		case !errors.Is(err, model.ErrNotFound):
			return nil, fmt.Errorf("%w: lookup original payment: %v", model.ErrTransientStore, err)
		}
	}
	return r.recordAndApply(ctx, ev, n, eff)
}

func (r *Router) handleSubscription(ctx context.Context, ev *model.Event) ([]string, error) {
	change, err := normalizeSubscription(ev)
	if err != nil {
		return nil, err
	}
	if change == nil {
		return nil, nil
	}
	if change.OwnerID == "" {
		return nil, fmt.Errorf("%w: subscription event %s", model.ErrMissingOwner, ev.ID)
	}
	changed, err := r.applier.Entitle(ctx, change.OwnerID, "", change.Effect)
	if err != nil {
		return nil, err
	}
	return cachekeys.KeysFor(changed), nil
}

// recordAndApply runs ledger write, then effects, each gated on the previous.
func (r *Router) recordAndApply(ctx context.Context, ev *model.Event, n model.Normalized, eff Effects) ([]string, error) {
	tx, err := r.ledger.Record(ctx, ev, n)
	if err != nil {
		return nil, err
	}
	out, err := r.applier.Apply(ctx, tx, ev.Type, eff)
	if err != nil {
		return nil, err
	}
	return out.InvalidationKeys, nil
}
