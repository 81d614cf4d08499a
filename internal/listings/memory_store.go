package listings

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a thread-safe in-memory implementation
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*Listing
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[string]*Listing)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *l
	m.listings[l.ID] = &copy
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, exists := m.listings[id]
	if !exists {
		return nil, ErrListingNotFound
	}
	copy := *l
	return &copy, nil
}

func (m *MemoryStore) Update(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.listings[l.ID]; !exists {
		return ErrListingNotFound
	}
	copy := *l
	m.listings[l.ID] = &copy
	return nil
}

func (m *MemoryStore) List(ctx context.Context, query Query) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if query.Limit == 0 {
		query.Limit = 100
	}

	var results []*Listing
	for _, l := range m.listings {
		if query.AgentID != "" && l.AgentID != query.AgentID {
			continue
		}
		if query.PriceType != "" && l.PriceType != query.PriceType {
			continue
		}
		if query.Active != nil && l.Active != *query.Active {
			continue
		}
		copy := *l
		results = append(results, &copy)
	}

	sort.Slice(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].ID < results[j].ID
	})

	if query.Offset >= len(results) {
		return []*Listing{}, nil
	}
	end := query.Offset + query.Limit
	if end > len(results) {
		end = len(results)
	}
	return results[query.Offset:end], nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.listings[id]; !exists {
		return ErrListingNotFound
	}
	delete(m.listings, id)
	return nil
}
