// Package transactions implements the marketplace settlement workflow:
// a state machine binding one buyer, one seller and one settlement
// path, with every status change guarded by a compare-and-swap on the
// current status so concurrent conflicting attempts have exactly one
// winner.
package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Errors. ErrNotFound deliberately covers both "no such transaction"
// and "transition not allowed from the current status": a losing CAS
// is indistinguishable from a missing row, and callers map both to 404.
var (
	ErrNotFound           = errors.New("transactions: not found or transition not allowed")
	ErrNotBuyer           = errors.New("transactions: only the buyer may perform this")
	ErrNotSeller          = errors.New("transactions: only the seller may perform this")
	ErrNotParty           = errors.New("transactions: agent is not a party to this transaction")
	ErrSelfDeal           = errors.New("transactions: buyer cannot request their own listing")
	ErrListingUnavailable = errors.New("transactions: listing is not active")
	ErrInvalidProgress    = errors.New("transactions: progress must be 0-100")
	ErrInvalidAmount      = errors.New("transactions: invalid amount")
	ErrInvalidRating      = errors.New("transactions: rating must be 1-5")
	ErrNotEscrowPath      = errors.New("transactions: operation requires escrow settlement")
)

// Status is a transaction lifecycle state
type Status string

const (
	StatusRequested         Status = "requested"
	StatusAccepted          Status = "accepted"
	StatusInProgress        Status = "in_progress"
	StatusDelivered         Status = "delivered"
	StatusRevisionRequested Status = "revision_requested"
	StatusCompleted         Status = "completed"
	StatusRejected          Status = "rejected"
	StatusCancelled         Status = "cancelled"
	StatusDisputed          Status = "disputed"
)

// Settlement methods
const (
	MethodLedger = "ledger"
	MethodEscrow = "escrow"
)

// Transaction is the settlement unit. Buyer, seller, listing and
// method are immutable after creation.
type Transaction struct {
	ID        string `json:"id"`
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`
	ListingID string `json:"listingId"`

	Method        string `json:"method"` // ledger | escrow
	AmountCredits int64  `json:"amountCredits,omitempty"`
	EscrowID      string `json:"escrowId,omitempty"`

	Status Status `json:"status"`

	// Opaque task payloads; shape is the marketplace category's concern
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`

	Progress        int    `json:"progress"`
	ProgressMessage string `json:"progressMessage,omitempty"`

	Rating int    `json:"rating,omitempty"`
	Review string `json:"review,omitempty"`

	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Mutation carries optional field updates applied atomically with a
// status transition.
type Mutation struct {
	Output          json.RawMessage
	ProgressMessage *string
	Rating          *int
	Review          *string
	EscrowID        *string

	// ClearCompletion reverts a completed transition: wipes
	// completed_at, rating and review. Used when settlement fails
	// after the CAS already won.
	ClearCompletion bool
}

// Query filters for listing transactions
type Query struct {
	AgentID string // Matches buyer or seller
	Status  Status
	Limit   int
	Offset  int
}

// Store persists transactions. Transition is the only way to change
// status: a conditional update keyed on (id, expected current status)
// that also stamps the timestamp column belonging to the new status.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	List(ctx context.Context, query Query) ([]*Transaction, error)

	// Transition atomically moves id from one of the expected statuses
	// to the new one, applying set. Returns the updated transaction and
	// the status it actually left. ErrNotFound when no row matched.
	Transition(ctx context.Context, id string, from []Status, to Status, set Mutation) (*Transaction, Status, error)

	// SetProgress updates progress fields without changing status,
	// conditional on the transaction being in the working state.
	SetProgress(ctx context.Context, id string, percent int, message string) (*Transaction, error)
}
