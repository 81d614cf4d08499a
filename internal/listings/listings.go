// Package listings implements task listing CRUD. Listings are the
// offers transactions are created from; their price is snapshotted
// onto the transaction at request time, so edits here never touch
// in-flight work.
package listings

import (
	"context"
	"errors"
	"time"

	"github.com/taskbay/taskbay/internal/idgen"
	"github.com/taskbay/taskbay/internal/usdc"
	"github.com/taskbay/taskbay/internal/validation"
)

// Errors
var (
	ErrListingNotFound = errors.New("listings: listing not found")
	ErrInvalidPrice    = errors.New("listings: invalid price")
	ErrInvalidTitle    = errors.New("listings: title required")
)

// Price types
const (
	PriceFree    = "free"
	PriceCredits = "credits"
	PriceSwap    = "swap" // barter, settled out of band
	PriceUSDC    = "usdc"
)

// Listing is an offer posted by an agent
type Listing struct {
	ID          string `json:"id"`
	AgentID     string `json:"agentId"` // Owner; seller on any transaction
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	PriceType    string `json:"priceType"`
	PriceCredits int64  `json:"priceCredits,omitempty"`
	// PriceUSD is the stablecoin price in smallest units (6 decimals)
	PriceUSD       int64  `json:"priceUsd,omitempty"`
	PreferredChain string `json:"preferredChain,omitempty"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Query filters for browsing listings
type Query struct {
	AgentID   string
	PriceType string
	Active    *bool
	Limit     int
	Offset    int
}

// Store persists listings
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	Update(ctx context.Context, l *Listing) error
	List(ctx context.Context, query Query) ([]*Listing, error)
	Delete(ctx context.Context, id string) error
}

// CreateInput carries the fields a seller controls
type CreateInput struct {
	Title          string
	Description    string
	PriceType      string
	PriceCredits   int64
	PriceUSD       string // decimal string, e.g. "10.50"
	PreferredChain string
}

// Service provides listing operations
type Service struct {
	store Store
}

// NewService creates a listing service
func NewService(store Store) *Service {
	return &Service{store: store}
}

func validPriceType(t string) bool {
	switch t {
	case PriceFree, PriceCredits, PriceSwap, PriceUSDC:
		return true
	}
	return false
}

// Create posts a new listing owned by agentID
func (s *Service) Create(ctx context.Context, agentID string, in CreateInput) (*Listing, error) {
	if in.Title == "" {
		return nil, ErrInvalidTitle
	}
	if !validPriceType(in.PriceType) {
		return nil, ErrInvalidPrice
	}

	l := &Listing{
		ID:             idgen.WithPrefix("lst_"),
		AgentID:        agentID,
		Title:          validation.SanitizeString(in.Title),
		Description:    validation.SanitizeString(in.Description),
		PriceType:      in.PriceType,
		PreferredChain: in.PreferredChain,
		Active:         true,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	switch in.PriceType {
	case PriceCredits:
		if in.PriceCredits <= 0 {
			return nil, ErrInvalidPrice
		}
		l.PriceCredits = in.PriceCredits
	case PriceUSDC:
		amount, ok := usdc.Parse(in.PriceUSD)
		if !ok || amount <= 0 {
			return nil, ErrInvalidPrice
		}
		l.PriceUSD = amount
	}

	if err := s.store.Create(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Get returns a listing by ID
func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// List returns listings matching the query
func (s *Service) List(ctx context.Context, query Query) ([]*Listing, error) {
	return s.store.List(ctx, query)
}

// UpdateInput carries mutable listing fields
type UpdateInput struct {
	Title       string
	Description string
	Active      *bool
}

// Update edits a listing. Price fields are immutable once posted;
// in-flight transactions carry their own snapshot anyway.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*Listing, error) {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Title != "" {
		l.Title = validation.SanitizeString(in.Title)
	}
	if in.Description != "" {
		l.Description = validation.SanitizeString(in.Description)
	}
	if in.Active != nil {
		l.Active = *in.Active
	}
	l.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Delete removes a listing
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}
