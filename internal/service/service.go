package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"paysync/internal/cachekeys"
	"paysync/internal/metrics"
	"paysync/internal/model"
	"paysync/internal/repository"
)

// WebhookService is what the transport layers depend on; the HTTP handlers
// and the CLI never reach the stores directly.
type WebhookService interface {
	Ingest(ctx context.Context, rawBody []byte, signature string) (model.HandlerResult, error)
	DeadLetters(ctx context.Context, limit int) ([]model.RetryRecord, error)
	Requeue(ctx context.Context, eventID string) error
	Allocations(ctx context.Context, transactionID string) ([]model.FundAllocation, error)
	TransactionsByOwner(ctx context.Context, ownerID string) ([]model.Transaction, error)
}

// EventVerifier authenticates raw webhook bodies. *verifier.Verifier
// implements it.
type EventVerifier interface {
	Verify(rawBody []byte, signatureHeader string) (*model.Event, error)
}

// Cache is the read-through cache used by the user-facing read API.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// ownerPageSize bounds the cached transaction list of one user.
const ownerPageSize = 100

type Service struct {
	verifier EventVerifier
	router   *Router
	queue    *RetryQueue
	store    repository.Store
	cache    Cache
	logger   *slog.Logger
}

// NewService assembles the webhook pipeline. cache may be nil.
func NewService(v EventVerifier, router *Router, queue *RetryQueue, store repository.Store, cache Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		verifier: v,
		router:   router,
		queue:    queue,
		store:    store,
		cache:    cache,
		logger:   logger.With("component", "service"),
	}
}

// Ingest verifies and routes one delivery. A verification failure is
// returned as the error; handler failures are reported in the result.
func (s *Service) Ingest(ctx context.Context, rawBody []byte, signature string) (model.HandlerResult, error) {
	ev, err := s.verifier.Verify(rawBody, signature)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("unverified", model.ErrorKind(err)).Inc()
		s.logger.Warn("webhook rejected", "error_kind", model.ErrorKind(err), "error", err)
		return model.HandlerResult{}, err
	}
	return s.router.Route(ctx, ev), nil
}

func (s *Service) DeadLetters(ctx context.Context, limit int) ([]model.RetryRecord, error) {
	return s.queue.DeadLetters(ctx, limit)
}

func (s *Service) Requeue(ctx context.Context, eventID string) error {
	return s.queue.Requeue(ctx, eventID)
}

func (s *Service) Allocations(ctx context.Context, transactionID string) ([]model.FundAllocation, error) {
	if _, err := s.store.TransactionByID(ctx, transactionID); err != nil {
		return nil, err
	}
	allocs, err := s.store.AllocationsByTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("allocations for %s: %w", transactionID, err)
	}
	return allocs, nil
}

// TransactionsByOwner serves the user's recent transactions through the
// cache. Entries are evicted by the PaymentProcessed invalidation keys and
// otherwise expire with the key's TTL class.
func (s *Service) TransactionsByOwner(ctx context.Context, ownerID string) ([]model.Transaction, error) {
	key := cachekeys.UserPaymentsKey(ownerID)

	if s.cache != nil {
		var cached []model.Transaction
		hit, err := s.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			s.logger.Warn("cache read failed", "key", key, "error", err)
		}
		if hit {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return cached, nil
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	txs, err := s.store.TransactionsByOwner(ctx, ownerID, ownerPageSize)
	if err != nil {
		return nil, fmt.Errorf("transactions for %s: %w", ownerID, err)
	}
	if txs == nil {
		txs = []model.Transaction{}
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, txs, cachekeys.TTLFor(key).Duration()); err != nil {
			s.logger.Warn("cache write failed", "key", key, "error", err)
		}
	}
	return txs, nil
}
