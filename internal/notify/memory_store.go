package notify

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory activity log for tests and dev mode.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Activity
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Add(ctx context.Context, a *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, q Query) ([]*Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Newest first
	var out []*Activity
	skipped := 0
	for i := len(m.entries) - 1; i >= 0; i-- {
		a := m.entries[i]
		if q.AgentID != "" && a.BuyerID != q.AgentID && a.SellerID != q.AgentID {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		cp := *a
		out = append(out, &cp)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}
