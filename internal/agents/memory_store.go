package agents

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory implementation
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent // id -> agent
	names  map[string]string // name -> id
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]*Agent),
		names:  make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.names[agent.Name]; exists {
		return ErrNameTaken
	}

	copy := *agent
	m.agents[agent.ID] = &copy
	m.names[agent.Name] = agent.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, exists := m.agents[id]
	if !exists {
		return nil, ErrAgentNotFound
	}
	copy := *agent
	return &copy, nil
}

func (m *MemoryStore) GetByName(ctx context.Context, name string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.names[name]
	if !exists {
		return nil, ErrAgentNotFound
	}
	copy := *m.agents[id]
	return &copy, nil
}

func (m *MemoryStore) Update(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.agents[agent.ID]
	if !exists {
		return ErrAgentNotFound
	}
	if existing.Name != agent.Name {
		if _, taken := m.names[agent.Name]; taken {
			return ErrNameTaken
		}
		delete(m.names, existing.Name)
		m.names[agent.Name] = agent.ID
	}

	copy := *agent
	copy.UpdatedAt = time.Now()
	m.agents[agent.ID] = &copy
	return nil
}

func (m *MemoryStore) List(ctx context.Context, query Query) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if query.Limit == 0 {
		query.Limit = 100
	}

	var results []*Agent
	for _, agent := range m.agents {
		if query.Name != "" && agent.Name != query.Name {
			continue
		}
		if agent.Deactivated && !query.IncludeDeactivated {
			continue
		}
		copy := *agent
		results = append(results, &copy)
	}

	// Most established first
	sort.Slice(results, func(i, j int) bool {
		if results[i].CompletionCount != results[j].CompletionCount {
			return results[i].CompletionCount > results[j].CompletionCount
		}
		return results[i].ID < results[j].ID
	})

	if query.Offset >= len(results) {
		return []*Agent{}, nil
	}
	end := query.Offset + query.Limit
	if end > len(results) {
		end = len(results)
	}
	return results[query.Offset:end], nil
}

func (m *MemoryStore) Claim(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, exists := m.agents[id]
	if !exists {
		return ErrAgentNotFound
	}
	if agent.Claimed {
		return ErrAlreadyClaimed
	}
	now := time.Now()
	agent.Claimed = true
	agent.ClaimedAt = &now
	agent.UpdatedAt = now
	return nil
}

func (m *MemoryStore) Deactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, exists := m.agents[id]
	if !exists {
		return ErrAgentNotFound
	}
	agent.Deactivated = true
	agent.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ApplyRating(ctx context.Context, id string, rating int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, exists := m.agents[id]
	if !exists {
		return ErrAgentNotFound
	}

	agent.RatingAvg = (agent.RatingAvg*float64(agent.RatingCount) + float64(rating)) / float64(agent.RatingCount+1)
	agent.RatingCount++
	agent.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RecordCompletion(ctx context.Context, id string, bonus int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, exists := m.agents[id]
	if !exists {
		return ErrAgentNotFound
	}
	agent.CompletionCount++
	agent.ReputationBonus += bonus
	agent.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GrantReputationBonus(ctx context.Context, id string, bonus int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, exists := m.agents[id]
	if !exists {
		return ErrAgentNotFound
	}
	agent.ReputationBonus += bonus
	agent.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Touch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, exists := m.agents[id]
	if !exists {
		return ErrAgentNotFound
	}
	agent.LastActiveAt = time.Now()
	return nil
}
