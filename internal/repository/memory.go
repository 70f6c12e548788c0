package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"paysync/internal/model"
)

// MemoryStore implements Store in process memory. It honours the same
// uniqueness rules as the PostgreSQL schema and is used by tests and by the
// "memory" store provider for local runs.
type MemoryStore struct {
	mu sync.Mutex

	transactions map[string]*model.Transaction // by id
	txByEvent    map[string]string             // source_event_id -> id
	allocations  map[string]*model.FundAllocation
	allocOrder   []string
	activations  map[string]*model.Activation
	processed    map[string]*model.ProcessedEvent
	retries      map[string]*model.RetryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*model.Transaction),
		txByEvent:    make(map[string]string),
		allocations:  make(map[string]*model.FundAllocation),
		activations:  make(map[string]*model.Activation),
		processed:    make(map[string]*model.ProcessedEvent),
		retries:      make(map[string]*model.RetryRecord),
	}
}

func (m *MemoryStore) InsertTransaction(_ context.Context, tx *model.Transaction) (*model.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.txByEvent[tx.SourceEventID]; ok {
		c := *m.transactions[id]
		return &c, false, nil
	}
	c := *tx
	m.transactions[tx.ID] = &c
	m.txByEvent[tx.SourceEventID] = tx.ID
	out := c
	return &out, true, nil
}

func (m *MemoryStore) TransactionBySourceEvent(_ context.Context, eventID string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.txByEvent[eventID]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *m.transactions[id]
	return &c, nil
}

func (m *MemoryStore) TransactionByID(_ context.Context, id string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *MemoryStore) OriginalPayment(_ context.Context, paymentRef string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *model.Transaction
	for _, t := range m.transactions {
		if t.PaymentRef != paymentRef || t.Kind != model.KindPayment {
			continue
		}
		if t.Status != model.TxSucceeded && t.Status != model.TxRefunded {
			continue
		}
		if found == nil || t.CreatedAt.Before(found.CreatedAt) {
			found = t
		}
	}
	if found == nil {
		return nil, model.ErrNotFound
	}
	c := *found
	return &c, nil
}

func (m *MemoryStore) MarkRefunded(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok || (t.Status != model.TxSucceeded && t.Status != model.TxRefunded) {
		return model.ErrNotFound
	}
	t.Status = model.TxRefunded
	return nil
}

func (m *MemoryStore) TransactionsByOwner(_ context.Context, ownerID string, limit int) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Transaction
	for _, t := range m.transactions {
		if t.OwnerID == ownerID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) InsertAllocation(_ context.Context, a *model.FundAllocation) (*model.FundAllocation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.allocations[a.SourceEventID]; ok {
		c := *existing
		return &c, false, nil
	}
	c := *a
	m.allocations[a.SourceEventID] = &c
	m.allocOrder = append(m.allocOrder, a.SourceEventID)
	out := c
	return &out, true, nil
}

func (m *MemoryStore) AllocationBySourceEvent(_ context.Context, eventID string) (*model.FundAllocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.allocations[eventID]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) AllocationsByTransaction(_ context.Context, transactionID string) ([]model.FundAllocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.FundAllocation
	for _, key := range m.allocOrder {
		if a := m.allocations[key]; a.TransactionID == transactionID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func activationKey(ownerID string, kind model.ActivationKind, targetID string) string {
	return ownerID + "|" + string(kind) + "|" + targetID
}

func (m *MemoryStore) Activation(_ context.Context, ownerID string, kind model.ActivationKind, targetID string) (*model.Activation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.activations[activationKey(ownerID, kind, targetID)]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) UpsertActivation(_ context.Context, a *model.Activation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *a
	m.activations[activationKey(a.OwnerID, a.Kind, a.TargetID)] = &c
	return nil
}

func (m *MemoryStore) ProcessedEvent(_ context.Context, eventID string) (*model.ProcessedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.processed[eventID]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *p
	c.InvalidationKeys = append([]string(nil), p.InvalidationKeys...)
	return &c, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, p *model.ProcessedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.processed[p.EventID]; ok {
		return nil
	}
	c := *p
	c.InvalidationKeys = append([]string(nil), p.InvalidationKeys...)
	m.processed[p.EventID] = &c
	return nil
}

func (m *MemoryStore) RecordAttemptFailure(_ context.Context, rec *model.RetryRecord) (*model.RetryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.retries[rec.EventID]
	if !ok {
		c := *rec
		c.AttemptCount = 1
		c.Status = model.RetryPending
		c.CreatedAt = rec.LastAttemptAt
		m.retries[rec.EventID] = &c
		out := c
		return &out, nil
	}
	existing.AttemptCount++
	existing.LastError = rec.LastError
	existing.LastAttemptAt = rec.LastAttemptAt
	if existing.Status != model.RetryDeadLetter {
		existing.Status = model.RetryPending
	}
	out := *existing
	return &out, nil
}

func (m *MemoryStore) Reschedule(_ context.Context, eventID string, next time.Time, status model.RetryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.retries[eventID]; ok {
		rec.NextAttemptAt = next
		rec.Status = status
	}
	return nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]model.RetryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*model.RetryRecord
	for _, rec := range m.retries {
		if rec.Status == model.RetryPending && !rec.NextAttemptAt.After(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]model.RetryRecord, 0, len(due))
	for _, rec := range due {
		rec.NextAttemptAt = now.Add(lease)
		out = append(out, *rec)
	}
	return out, nil
}

func (m *MemoryStore) Retry(_ context.Context, eventID string) (*model.RetryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.retries[eventID]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (m *MemoryStore) DeleteRetry(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.retries, eventID)
	return nil
}

func (m *MemoryStore) ListRetries(_ context.Context, status model.RetryStatus, limit int) ([]model.RetryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.RetryRecord
	for _, rec := range m.retries {
		if rec.Status == status {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAttemptAt.After(out[j].LastAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ResetRetry(_ context.Context, eventID string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.retries[eventID]
	if !ok {
		return model.ErrNotFound
	}
	rec.AttemptCount = 0
	rec.Status = model.RetryPending
	rec.NextAttemptAt = next
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*LedgerRepo)(nil)
)
