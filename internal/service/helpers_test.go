package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paysync/internal/config"
	"paysync/internal/model"
	"paysync/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEvent(t *testing.T, id string, typ model.EventType, object any) *model.Event {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    typ,
		"created": 1700000000,
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	return &model.Event{ID: id, Type: typ, Payload: payload, ReceivedAt: time.Now()}
}

func paymentIntent(id string, amount int64, md map[string]string) map[string]any {
	return map[string]any{
		"id":       id,
		"object":   "payment_intent",
		"amount":   amount,
		"currency": "usd",
		"metadata": md,
	}
}

func refundedCharge(id, paymentIntentID string, amount, refunded int64, md map[string]string) map[string]any {
	return map[string]any{
		"id":              id,
		"object":          "charge",
		"amount":          amount,
		"amount_refunded": refunded,
		"currency":        "usd",
		"refunded":        refunded >= amount,
		"payment_intent":  paymentIntentID,
		"metadata":        md,
	}
}

// flakyStore fails the next failInserts transaction writes.
type flakyStore struct {
	*repository.MemoryStore
	mu          sync.Mutex
	failInserts int
}

func (f *flakyStore) InsertTransaction(ctx context.Context, tx *model.Transaction) (*model.Transaction, bool, error) {
	f.mu.Lock()
	if f.failInserts > 0 {
		f.failInserts--
		f.mu.Unlock()
		return nil, false, errors.New("write timeout")
	}
	f.mu.Unlock()
	return f.MemoryStore.InsertTransaction(ctx, tx)
}

type recordingBus struct {
	mu       sync.Mutex
	messages []repository.InvalidationMessage
	topics   []string
	err      error
}

func (b *recordingBus) Publish(_ context.Context, topic, _ string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	var msg repository.InvalidationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	b.topics = append(b.topics, topic)
	b.messages = append(b.messages, msg)
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	records []model.RetryRecord
}

func (n *recordingNotifier) NotifyDeadLetter(_ context.Context, rec *model.RetryRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, *rec)
	return nil
}

type pipeline struct {
	store    repository.Store
	queue    *RetryQueue
	router   *Router
	bus      *recordingBus
	notifier *recordingNotifier
}

func newPipeline(store repository.Store) *pipeline {
	policy := StaticPolicy(config.DefaultPolicy())
	bus := &recordingBus{}
	notifier := &recordingNotifier{}
	queue := NewRetryQueue(store, policy, notifier, discardLogger())
	return &pipeline{
		store:    store,
		queue:    queue,
		router:   NewRouter(store, bus, queue, policy, discardLogger()),
		bus:      bus,
		notifier: notifier,
	}
}
