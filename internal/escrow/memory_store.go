package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for development and tests
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	byTxn   map[string]string
	events  []*Event
}

// NewMemoryStore creates an in-memory escrow store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byTxn:   make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byTxn[e.TransactionID]; exists {
		return ErrAlreadyExists
	}
	cp := *e
	m.escrows[e.ID] = &cp
	m.byTxn[e.TransactionID] = e.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.escrows[id]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByTransaction(ctx context.Context, transactionID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.byTxn[transactionID]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *m.escrows[id]
	return &cp, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from []Status, to Status, set Mutation) (*Escrow, Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.escrows[id]
	if !exists {
		return nil, "", ErrNotFound
	}
	legal := false
	for _, s := range from {
		if e.Status == s {
			legal = true
			break
		}
	}
	if !legal {
		return nil, "", ErrNotFound
	}

	prev := e.Status
	now := time.Now()
	e.Status = to
	e.UpdatedAt = now

	switch to {
	case StatusFunded:
		if e.FundedAt == nil {
			e.FundedAt = &now
		}
	case StatusVerified:
		if e.VerifiedAt == nil {
			e.VerifiedAt = &now
		}
	case StatusReleased, StatusRefunded, StatusExpired:
		if e.ResolvedAt == nil {
			e.ResolvedAt = &now
		}
	}

	if set.FundingTxHash != nil {
		e.FundingTxHash = *set.FundingTxHash
	}
	if set.ReleaseTxHash != nil {
		e.ReleaseTxHash = *set.ReleaseTxHash
	}
	if set.PlatformFee != nil {
		e.PlatformFee = *set.PlatformFee
	}
	if set.SellerAmount != nil {
		e.SellerAmount = *set.SellerAmount
	}

	cp := *e
	return &cp, prev, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == status {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if (e.Status == StatusPending || e.Status == StatusFunded) && e.CreatedAt.Before(cutoff) {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) AddEvent(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, escrowID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, ev := range m.events {
		if ev.EscrowID == escrowID {
			cp := *ev
			result = append(result, &cp)
		}
	}
	return result, nil
}
