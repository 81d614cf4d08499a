package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/taskbay/taskbay/internal/idgen"
)

// MemoryStore is a thread-safe in-memory implementation of Store
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]int64
	lastDrip map[string]time.Time
	entries  []*Entry
}

// NewMemoryStore creates a new in-memory ledger store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]int64),
		lastDrip: make(map[string]time.Time),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) GetBalance(ctx context.Context, agentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[agentID], nil
}

func (m *MemoryStore) append(from, to string, amount int64, reason, reference, memo string) {
	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix("led_"),
		FromAgent: from,
		ToAgent:   to,
		Amount:    amount,
		Reason:    reason,
		Reference: reference,
		Memo:      memo,
		CreatedAt: time.Now(),
	})
}

func (m *MemoryStore) Transfer(ctx context.Context, from, to string, amount int64, reason, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balances[from] < amount {
		return ErrInsufficientBalance
	}
	m.balances[from] -= amount
	m.balances[to] += amount
	m.append(from, to, amount, reason, reference, "")
	return nil
}

func (m *MemoryStore) AddCredits(ctx context.Context, agentID string, amount int64, reason, memo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balances[agentID] += amount
	m.append("", agentID, amount, reason, "", memo)
	return nil
}

func (m *MemoryStore) TryDrip(ctx context.Context, agentID string, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, ok := m.lastDrip[agentID]
	if ok && time.Since(last) < 24*time.Hour {
		return false, nil
	}
	m.lastDrip[agentID] = time.Now()
	m.balances[agentID] += amount
	m.append("", agentID, amount, ReasonDailyDrip, "", "")
	return true, nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, agentID string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.FromAgent == agentID || e.ToAgent == agentID {
			copy := *e
			result = append(result, &copy)
		}
	}
	return result, nil
}

// SetLastDrip backdates the drip timestamp. Test helper.
func (m *MemoryStore) SetLastDrip(agentID string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastDrip[agentID] = t
}
