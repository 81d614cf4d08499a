package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// sendingGrace is how long a claimed delivery may sit in sending
// before another engine may reclaim it (crashed worker recovery).
const sendingGrace = 5 * time.Minute

// MemoryStore is an in-memory webhook store for development and tests
type MemoryStore struct {
	mu         sync.Mutex
	subs       map[string]*Subscription
	deliveries map[string]*Delivery
}

// NewMemoryStore creates an in-memory webhook store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:       make(map[string]*Subscription),
		deliveries: make(map[string]*Delivery),
	}
}

func copySub(s *Subscription) *Subscription {
	cp := *s
	cp.Events = append([]string(nil), s.Events...)
	return &cp
}

func copyDelivery(d *Delivery) *Delivery {
	cp := *d
	cp.Payload = append([]byte(nil), d.Payload...)
	return &cp
}

func (m *MemoryStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = copySub(sub)
	return nil
}

func (m *MemoryStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySub(sub), nil
}

func (m *MemoryStore) ListByAgent(ctx context.Context, agentID string) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.AgentID == agentID {
			result = append(result, copySub(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListActiveByAgent(ctx context.Context, agentID string) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.AgentID == agentID && sub.Active {
			result = append(result, copySub(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = copySub(sub)
	return nil
}

func (m *MemoryStore) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) Enqueue(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (m *MemoryStore) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDelivery(d), nil
}

func (m *MemoryStore) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Delivery
	for _, d := range m.deliveries {
		if d.SubscriptionID == subscriptionID {
			result = append(result, copyDelivery(d))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Delivery
	for _, d := range m.deliveries {
		claimable := d.Status == DeliveryPending && !d.NextRetryAt.After(now)
		reclaimable := d.Status == DeliverySending && d.UpdatedAt.Before(now.Add(-sendingGrace))
		if claimable || reclaimable {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	var claimed []*Delivery
	for _, d := range due {
		d.Status = DeliverySending
		d.UpdatedAt = now
		claimed = append(claimed, copyDelivery(d))
	}
	return claimed, nil
}

func (m *MemoryStore) MarkDelivered(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	d.Status = DeliveryDelivered
	d.DeliveredAt = &now
	d.UpdatedAt = now
	return nil
}

func (m *MemoryStore) Reschedule(ctx context.Context, id string, attempts int, nextRetry time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = DeliveryPending
	d.Attempts = attempts
	d.NextRetryAt = nextRetry
	d.LastError = lastErr
	d.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id string, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = DeliveryFailed
	d.Attempts++
	d.LastError = lastErr
	d.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RecordSuccess(ctx context.Context, subscriptionID string, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subscriptionID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	sub.FailStreak = 0
	sub.LastSuccess = &now
	sub.LastError = lastErr
	sub.UpdatedAt = now
	return nil
}

func (m *MemoryStore) BumpFailStreak(ctx context.Context, subscriptionID string, lastErr string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subscriptionID]
	if !ok {
		return 0, ErrNotFound
	}
	sub.FailStreak++
	sub.LastError = lastErr
	sub.UpdatedAt = time.Now()
	return sub.FailStreak, nil
}

func (m *MemoryStore) Disable(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subscriptionID]
	if !ok {
		return ErrNotFound
	}
	sub.Active = false
	sub.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
