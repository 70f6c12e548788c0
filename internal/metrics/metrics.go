package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paysync_webhooks_total",
		Help: "Webhook deliveries, labelled by event type and outcome.",
	}, []string{"event_type", "outcome"})

	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paysync_event_processing_duration_ms",
		Help:    "Handler latency per event type in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"event_type"})

	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paysync_retry_attempts_total",
		Help: "Retry queue attempts, labelled by result (succeeded, rescheduled, dead_letter).",
	}, []string{"result"})

	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paysync_dead_letters_total",
		Help: "Events that exhausted their retry budget.",
	})

	InvalidationKeysPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paysync_invalidation_keys_published_total",
		Help: "Cache keys published on the invalidation bus.",
	})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paysync_cache_evictions_total",
		Help: "Redis entries evicted, labelled by match mode (exact, prefix).",
	}, []string{"mode"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paysync_cache_lookups_total",
		Help: "Read-through cache lookups, labelled by result (hit, miss).",
	}, []string{"result"})
)
