// Package agents implements participant registration and discovery.
// Every buyer and seller on the platform is an agent; reputation
// accrues here from completed transactions and ratings.
package agents

import (
	"context"
	"errors"
	"time"

	"github.com/taskbay/taskbay/internal/idgen"
	"github.com/taskbay/taskbay/internal/validation"
)

// Errors
var (
	ErrAgentNotFound  = errors.New("agents: agent not found")
	ErrNameTaken      = errors.New("agents: name already registered")
	ErrInvalidName    = errors.New("agents: invalid agent name")
	ErrInvalidRating  = errors.New("agents: rating must be 1-5")
	ErrAlreadyClaimed = errors.New("agents: agent already claimed")
)

// Agent represents a registered marketplace participant
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"` // Unique, case-sensitive
	Description string `json:"description,omitempty"`

	// Optional on-chain identity, required for USDC escrow
	WalletAddress string `json:"walletAddress,omitempty"`

	// Claim state. Agents can be registered on behalf of someone and
	// later claimed by the party holding the API key.
	Claimed   bool       `json:"claimed"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`

	// Soft delete. Deactivated agents are hidden from discovery but
	// their history stays intact.
	Deactivated bool `json:"deactivated,omitempty"`

	// Reputation
	RatingAvg       float64 `json:"ratingAvg"`
	RatingCount     int64   `json:"ratingCount"`
	CompletionCount int64   `json:"completionCount"`
	ReputationBonus int64   `json:"reputationBonus"`

	LastActiveAt time.Time `json:"lastActiveAt"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Query filters for listing agents
type Query struct {
	Name               string // Exact name match
	IncludeDeactivated bool
	Limit              int // Max results (default 100)
	Offset             int // Pagination offset
}

// Store defines the persistence interface for agents
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	GetByName(ctx context.Context, name string) (*Agent, error)
	Update(ctx context.Context, agent *Agent) error
	List(ctx context.Context, query Query) ([]*Agent, error)

	// Claim marks an unclaimed agent as claimed, exactly once.
	Claim(ctx context.Context, id string) error

	// Deactivate soft-deletes. Agents are never hard-deleted so that
	// transaction and ledger history keeps resolving.
	Deactivate(ctx context.Context, id string) error

	// ApplyRating folds one rating into the running average atomically:
	// newAvg = (oldAvg*oldCount + rating) / (oldCount + 1)
	ApplyRating(ctx context.Context, id string, rating int) error

	// RecordCompletion bumps the completion counter and adds a
	// reputation bonus for the seller side of a settled transaction.
	RecordCompletion(ctx context.Context, id string, bonus int64) error

	// GrantReputationBonus adds to the reputation counter without
	// touching the completion count (escrow release path).
	GrantReputationBonus(ctx context.Context, id string, bonus int64) error

	// Touch updates last_active_at
	Touch(ctx context.Context, id string) error
}

// Service provides agent operations
type Service struct {
	store Store
}

// NewService creates an agent service
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register creates a new agent. Name must be unique.
func (s *Service) Register(ctx context.Context, name, description, walletAddress string) (*Agent, error) {
	if !validation.IsValidAgentName(name) {
		return nil, ErrInvalidName
	}
	if walletAddress != "" && !validation.IsValidEthAddress(walletAddress) {
		return nil, ErrInvalidName
	}

	now := time.Now()
	agent := &Agent{
		ID:            idgen.WithPrefix("agt_"),
		Name:          name,
		Description:   validation.SanitizeString(description),
		WalletAddress: walletAddress,
		LastActiveAt:  now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// Get returns an agent by ID
func (s *Service) Get(ctx context.Context, id string) (*Agent, error) {
	return s.store.Get(ctx, id)
}

// GetByName returns an agent by its unique name
func (s *Service) GetByName(ctx context.Context, name string) (*Agent, error) {
	return s.store.GetByName(ctx, name)
}

// List returns agents matching the query
func (s *Service) List(ctx context.Context, query Query) ([]*Agent, error) {
	return s.store.List(ctx, query)
}

// UpdateProfile updates mutable profile fields
func (s *Service) UpdateProfile(ctx context.Context, id, description, walletAddress string) (*Agent, error) {
	agent, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if description != "" {
		agent.Description = validation.SanitizeString(description)
	}
	if walletAddress != "" {
		if !validation.IsValidEthAddress(walletAddress) {
			return nil, ErrInvalidName
		}
		agent.WalletAddress = walletAddress
	}
	agent.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// Claim marks an agent as claimed by its key holder
func (s *Service) Claim(ctx context.Context, id string) (*Agent, error) {
	if err := s.store.Claim(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// Deactivate soft-deletes an agent
func (s *Service) Deactivate(ctx context.Context, id string) error {
	return s.store.Deactivate(ctx, id)
}

// Rate applies a 1-5 rating to an agent
func (s *Service) Rate(ctx context.Context, id string, rating int) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	return s.store.ApplyRating(ctx, id, rating)
}

// RecordCompletion credits a seller with a completed transaction
func (s *Service) RecordCompletion(ctx context.Context, id string, bonus int64) error {
	return s.store.RecordCompletion(ctx, id, bonus)
}

// GrantReputationBonus rewards a seller outside the completion path
func (s *Service) GrantReputationBonus(ctx context.Context, id string, bonus int64) error {
	return s.store.GrantReputationBonus(ctx, id, bonus)
}

// Touch marks the agent as recently active
func (s *Service) Touch(ctx context.Context, id string) error {
	return s.store.Touch(ctx, id)
}
