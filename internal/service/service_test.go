package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysync/internal/model"
	"paysync/internal/repository"
	"paysync/internal/verifier"
)

const testSecret = "whsec_test"

type mapCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (c *mapCache) GetJSON(_ context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dst)
}

func (c *mapCache) SetJSON(_ context.Context, key string, v any, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.entries[key] = data
	c.ttls[key] = ttl
	return nil
}

func newTestService(t *testing.T, store repository.Store, cache Cache) *Service {
	t.Helper()
	v, err := verifier.New(testSecret, verifier.DefaultTolerance)
	require.NoError(t, err)
	p := newPipeline(store)
	return NewService(v, p.router, p.queue, store, cache, discardLogger())
}

func TestIngest_SignedDelivery(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(t, store, nil)

	body := newEvent(t, "evt_s1", model.EventPaymentSucceeded,
		paymentIntent("pi_s1", 1000, map[string]string{"userId": "u1"})).Payload

	res, err := svc.Ingest(ctx, body, verifier.Sign(body, testSecret, time.Now()))
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.True(t, res.Processed)
	assert.Equal(t, "evt_s1", res.EventID)
}

func TestIngest_TamperedBodyCreatesNothing(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(t, store, nil)

	body := newEvent(t, "evt_s2", model.EventPaymentSucceeded,
		paymentIntent("pi_s2", 1000, map[string]string{"userId": "u2"})).Payload
	header := verifier.Sign(body, testSecret, time.Now())

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)/2] ^= 0x01

	_, err := svc.Ingest(ctx, tampered, header)
	assert.ErrorIs(t, err, model.ErrSignatureMismatch)

	_, err = store.TransactionBySourceEvent(ctx, "evt_s2")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = store.Retry(ctx, "evt_s2")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestTransactionsByOwner_ReadThrough(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	cache := newMapCache()
	svc := newTestService(t, store, cache)

	body := newEvent(t, "evt_s3", model.EventPaymentSucceeded,
		paymentIntent("pi_s3", 1500, map[string]string{"userId": "u3"})).Payload
	_, err := svc.Ingest(ctx, body, verifier.Sign(body, testSecret, time.Now()))
	require.NoError(t, err)

	txs, err := svc.TransactionsByOwner(ctx, "u3")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, 30*time.Minute, cache.ttls["user:u3:payments"])

	// A second payment is invisible until the key is evicted.
	body = newEvent(t, "evt_s4", model.EventPaymentSucceeded,
		paymentIntent("pi_s4", 500, map[string]string{"userId": "u3"})).Payload
	res, err := svc.Ingest(ctx, body, verifier.Sign(body, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Contains(t, res.InvalidationKeys, "user:u3:payments")

	txs, err = svc.TransactionsByOwner(ctx, "u3")
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	delete(cache.entries, "user:u3:payments")
	txs, err = svc.TransactionsByOwner(ctx, "u3")
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestAllocations(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newTestService(t, store, nil)

	_, err := svc.Allocations(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	body := newEvent(t, "evt_s5", model.EventPaymentSucceeded,
		paymentIntent("pi_s5", 2000, map[string]string{"userId": "u5"})).Payload
	_, err = svc.Ingest(ctx, body, verifier.Sign(body, testSecret, time.Now()))
	require.NoError(t, err)

	tx, err := store.TransactionBySourceEvent(ctx, "evt_s5")
	require.NoError(t, err)
	allocs, err := svc.Allocations(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, "2", allocs[0].Amount.String())
}
