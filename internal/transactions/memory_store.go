package transactions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory implementation of Store
type MemoryStore struct {
	mu   sync.Mutex
	txns map[string]*Transaction
}

// NewMemoryStore creates a new in-memory transaction store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txns: make(map[string]*Transaction)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	copy := *t
	m.txns[t.ID] = &copy
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.txns[id]
	if !exists {
		return nil, ErrNotFound
	}
	copy := *t
	return &copy, nil
}

func (m *MemoryStore) List(ctx context.Context, query Query) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if query.Limit == 0 {
		query.Limit = 100
	}

	var results []*Transaction
	for _, t := range m.txns {
		if query.AgentID != "" && t.BuyerID != query.AgentID && t.SellerID != query.AgentID {
			continue
		}
		if query.Status != "" && t.Status != query.Status {
			continue
		}
		copy := *t
		results = append(results, &copy)
	}

	sort.Slice(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].ID < results[j].ID
	})

	if query.Offset >= len(results) {
		return []*Transaction{}, nil
	}
	end := query.Offset + query.Limit
	if end > len(results) {
		end = len(results)
	}
	return results[query.Offset:end], nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from []Status, to Status, set Mutation) (*Transaction, Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.txns[id]
	if !exists {
		return nil, "", ErrNotFound
	}

	matched := false
	for _, s := range from {
		if t.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return nil, "", ErrNotFound
	}

	prev := t.Status
	now := time.Now()
	t.Status = to
	t.UpdatedAt = now

	// Stamp the timestamp belonging to the new status, first time only
	switch to {
	case StatusAccepted:
		if t.AcceptedAt == nil {
			t.AcceptedAt = &now
		}
	case StatusInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case StatusDelivered:
		if t.DeliveredAt == nil {
			ts := now
			t.DeliveredAt = &ts
		}
	case StatusCompleted:
		if t.CompletedAt == nil {
			ts := now
			t.CompletedAt = &ts
		}
	}

	if set.Output != nil {
		t.Output = set.Output
	}
	if set.ProgressMessage != nil {
		t.ProgressMessage = *set.ProgressMessage
	}
	if set.Rating != nil {
		t.Rating = *set.Rating
	}
	if set.Review != nil {
		t.Review = *set.Review
	}
	if set.EscrowID != nil {
		t.EscrowID = *set.EscrowID
	}
	if set.ClearCompletion {
		t.CompletedAt = nil
		t.Rating = 0
		t.Review = ""
	}

	copy := *t
	return &copy, prev, nil
}

func (m *MemoryStore) SetProgress(ctx context.Context, id string, percent int, message string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.txns[id]
	if !exists || t.Status != StatusInProgress {
		return nil, ErrNotFound
	}

	t.Progress = percent
	if message != "" {
		t.ProgressMessage = message
	}
	t.UpdatedAt = time.Now()

	copy := *t
	return &copy, nil
}
