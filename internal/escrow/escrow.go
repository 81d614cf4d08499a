// Package escrow tracks one on-chain USDC payment per transaction
// through its verification lifecycle. The escrow row only holds
// current state; the event trail is the record of what happened.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskbay/taskbay/internal/idgen"
	"github.com/taskbay/taskbay/internal/logging"
	"github.com/taskbay/taskbay/internal/metrics"
	"github.com/taskbay/taskbay/internal/traces"
	"github.com/taskbay/taskbay/internal/transactions"
	"github.com/taskbay/taskbay/internal/usdc"
	"github.com/taskbay/taskbay/internal/validation"
)

// Status is the escrow lifecycle state
type Status string

const (
	StatusPending  Status = "pending"  // created, awaiting funding
	StatusFunded   Status = "funded"   // funding tx reported, unverified
	StatusVerified Status = "verified" // confirmed on-chain
	StatusReleased Status = "released" // paid out to the seller
	StatusRefunded Status = "refunded" // returned to the buyer
	StatusDisputed Status = "disputed" // frozen pending resolution
	StatusExpired  Status = "expired"  // aged out before verification
)

var (
	ErrNotFound      = errors.New("escrow: not found or transition not allowed")
	ErrAlreadyExists = errors.New("escrow: transaction already has an escrow")
	ErrNotBuyer      = errors.New("escrow: only the buyer may perform this action")
	ErrNotSeller     = errors.New("escrow: only the seller may perform this action")
	ErrNotParty      = errors.New("escrow: agent is not a party to this escrow")
	ErrNotEscrowPath = errors.New("escrow: transaction does not settle via escrow")
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	ErrInvalidTxHash = errors.New("escrow: invalid transaction hash")

	// ErrIntegrity means the fee split did not sum to the total.
	// Processing of the entity halts; no transition happens.
	ErrIntegrity = errors.New("escrow: fee split integrity violation")
)

// Escrow is one on-chain payment bound to a single transaction.
// Amounts are USDC smallest units (6 decimals).
type Escrow struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	BuyerID       string `json:"buyerId"`
	SellerID      string `json:"sellerId"`

	Chain        string `json:"chain"`
	Currency     string `json:"currency"`
	BuyerAddress string `json:"buyerAddress"`
	SellerAddr   string `json:"sellerAddress"`

	AmountUSDC int64 `json:"amountUsdc"`
	// Split is computed exactly once, at release. Zero until then.
	PlatformFee  int64 `json:"platformFee"`
	SellerAmount int64 `json:"sellerAmount"`

	Status        Status `json:"status"`
	FundingTxHash string `json:"fundingTxHash,omitempty"`
	ReleaseTxHash string `json:"releaseTxHash,omitempty"`

	FundedAt   *time.Time `json:"fundedAt,omitempty"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Event is one entry in an escrow's audit trail
type Event struct {
	ID         string    `json:"id"`
	EscrowID   string    `json:"escrowId"`
	FromStatus Status    `json:"fromStatus"`
	ToStatus   Status    `json:"toStatus"`
	TxHash     string    `json:"txHash,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Mutation carries the field changes applied with a status transition
type Mutation struct {
	FundingTxHash *string
	ReleaseTxHash *string
	PlatformFee   *int64
	SellerAmount  *int64
}

// Store persists escrows and their events
type Store interface {
	// Create inserts a new escrow. Returns ErrAlreadyExists when the
	// transaction already has one.
	Create(ctx context.Context, e *Escrow) error

	Get(ctx context.Context, id string) (*Escrow, error)
	GetByTransaction(ctx context.Context, transactionID string) (*Escrow, error)

	// Transition compare-and-swaps the status from any of `from` to
	// `to`, applying `set`, and returns the updated escrow plus the
	// status it actually left. ErrNotFound covers both a missing row
	// and a CAS miss.
	Transition(ctx context.Context, id string, from []Status, to Status, set Mutation) (*Escrow, Status, error)

	// ListByStatus returns up to limit escrows in the given status,
	// oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)

	// ListStale returns escrows still pending or funded that were
	// created before the cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error)

	AddEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, escrowID string) ([]*Event, error)
}

// Transactions is the slice of the state machine the escrow path needs
type Transactions interface {
	Get(ctx context.Context, id string) (*transactions.Transaction, error)
	AttachEscrow(ctx context.Context, id, escrowID string) error
}

// Reputation rewards sellers when an escrow releases
type Reputation interface {
	GrantReputationBonus(ctx context.Context, agentID string, bonus int64) error
}

// Service drives the escrow lifecycle
type Service struct {
	store        Store
	txns         Transactions
	reputation   Reputation
	feeBps       int64
	releaseBonus int64
}

// NewService creates the escrow service
func NewService(store Store, txns Transactions, reputation Reputation, feeBps, releaseBonus int64) *Service {
	return &Service{
		store:        store,
		txns:         txns,
		reputation:   reputation,
		feeBps:       feeBps,
		releaseBonus: releaseBonus,
	}
}

func (s *Service) record(ctx context.Context, escrowID string, from, to Status, txHash, detail string) {
	ev := &Event{
		ID:         idgen.WithPrefix("evt_"),
		EscrowID:   escrowID,
		FromStatus: from,
		ToStatus:   to,
		TxHash:     txHash,
		Detail:     detail,
		CreatedAt:  time.Now(),
	}
	if err := s.store.AddEvent(ctx, ev); err != nil {
		logging.L(ctx).Error("failed to append escrow event",
			"escrow", escrowID, "to", to, "error", err)
	}
	metrics.EscrowsTotal.WithLabelValues(string(to)).Inc()
}

// Create opens an escrow for a transaction. Buyer only; the
// transaction must settle via escrow and not have one yet.
func (s *Service) Create(ctx context.Context, buyerID, transactionID, chain, amountUSD, buyerAddr, sellerAddr string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create", traces.TransactionID(transactionID))
	defer span.End()

	txn, err := s.txns.Get(ctx, transactionID)
	if err != nil {
		return nil, ErrNotFound
	}
	if txn.BuyerID != buyerID {
		return nil, ErrNotBuyer
	}
	if txn.Method != transactions.MethodEscrow {
		return nil, ErrNotEscrowPath
	}

	amount, ok := usdc.Parse(amountUSD)
	if !ok || amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !validation.IsValidEthAddress(buyerAddr) || !validation.IsValidEthAddress(sellerAddr) {
		return nil, ErrInvalidAmount
	}

	now := time.Now()
	e := &Escrow{
		ID:            idgen.WithPrefix("esc_"),
		TransactionID: txn.ID,
		BuyerID:       txn.BuyerID,
		SellerID:      txn.SellerID,
		Chain:         chain,
		Currency:      "USDC",
		BuyerAddress:  buyerAddr,
		SellerAddr:    sellerAddr,
		AmountUSDC:    amount,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}
	if err := s.txns.AttachEscrow(ctx, txn.ID, e.ID); err != nil {
		logging.L(ctx).Error("failed to attach escrow to transaction",
			"escrow", e.ID, "transaction", txn.ID, "error", err)
	}

	s.record(ctx, e.ID, "", StatusPending, "", "escrow created")
	return e, nil
}

// Get returns an escrow by ID
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByTransaction returns the escrow bound to a transaction
func (s *Service) GetByTransaction(ctx context.Context, transactionID string) (*Escrow, error) {
	return s.store.GetByTransaction(ctx, transactionID)
}

// Events returns the audit trail, oldest first
func (s *Service) Events(ctx context.Context, escrowID string) ([]*Event, error) {
	return s.store.ListEvents(ctx, escrowID)
}

// Fund records the buyer's funding tx and moves pending -> funded.
// The chain is not consulted here; verification is asynchronous.
func (s *Service) Fund(ctx context.Context, buyerID, id, txHash string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.BuyerID != buyerID {
		return nil, ErrNotBuyer
	}
	if !validation.IsValidTxHash(txHash) {
		return nil, ErrInvalidTxHash
	}

	updated, prev, err := s.store.Transition(ctx, id,
		[]Status{StatusPending}, StatusFunded,
		Mutation{FundingTxHash: &txHash},
	)
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, prev, StatusFunded, txHash, "funding reported, verification pending")
	return updated, nil
}

// MarkVerified moves funded -> verified. Called by the verifier loop
// once the chain confirms the funding transfer.
func (s *Service) MarkVerified(ctx context.Context, id string) (*Escrow, error) {
	updated, prev, err := s.store.Transition(ctx, id,
		[]Status{StatusFunded}, StatusVerified, Mutation{})
	if err != nil {
		return nil, err
	}
	metrics.EscrowVerifiedTotal.Inc()
	s.record(ctx, id, prev, StatusVerified, updated.FundingTxHash, "funding confirmed on-chain")
	return updated, nil
}

// Release pays out a verified escrow. Buyer only. The fee split is
// computed here and nowhere else; if it does not sum back to the
// total the escrow is left untouched.
func (s *Service) Release(ctx context.Context, buyerID, id string, releaseTxHash string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.EscrowID(id))
	defer span.End()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.BuyerID != buyerID {
		return nil, ErrNotBuyer
	}

	platformFee := e.AmountUSDC * s.feeBps / 10000
	sellerAmount := e.AmountUSDC - platformFee
	if platformFee+sellerAmount != e.AmountUSDC || platformFee < 0 || sellerAmount < 0 {
		logging.L(ctx).Error("escrow fee split integrity violation",
			"escrow", id, "total", e.AmountUSDC, "fee", platformFee, "seller", sellerAmount)
		return nil, ErrIntegrity
	}

	set := Mutation{PlatformFee: &platformFee, SellerAmount: &sellerAmount}
	if releaseTxHash != "" {
		if !validation.IsValidTxHash(releaseTxHash) {
			return nil, ErrInvalidTxHash
		}
		set.ReleaseTxHash = &releaseTxHash
	}

	updated, prev, err := s.store.Transition(ctx, id,
		[]Status{StatusVerified}, StatusReleased, set)
	if err != nil {
		return nil, err
	}
	metrics.EscrowSettleDuration.Observe(time.Since(updated.CreatedAt).Seconds())

	if s.reputation != nil && s.releaseBonus > 0 {
		if err := s.reputation.GrantReputationBonus(ctx, updated.SellerID, s.releaseBonus); err != nil {
			logging.L(ctx).Warn("failed to grant release bonus",
				"escrow", id, "seller", updated.SellerID, "error", err)
		}
	}

	s.record(ctx, id, prev, StatusReleased, releaseTxHash,
		fmt.Sprintf("released: seller %s, platform fee %s", usdc.Format(sellerAmount), usdc.Format(platformFee)))
	return updated, nil
}

// Refund returns the escrow to the buyer. The seller may refund from
// funded, verified or disputed; the buyer only once disputed.
func (s *Service) Refund(ctx context.Context, actorID, id string, refundTxHash string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from := []Status{StatusFunded, StatusVerified, StatusDisputed}
	switch actorID {
	case e.SellerID:
	case e.BuyerID:
		from = []Status{StatusDisputed}
	default:
		return nil, ErrNotParty
	}

	set := Mutation{}
	if refundTxHash != "" {
		if !validation.IsValidTxHash(refundTxHash) {
			return nil, ErrInvalidTxHash
		}
		set.ReleaseTxHash = &refundTxHash
	}

	updated, prev, err := s.store.Transition(ctx, id, from, StatusRefunded, set)
	if err != nil {
		return nil, err
	}
	metrics.EscrowSettleDuration.Observe(time.Since(updated.CreatedAt).Seconds())
	s.record(ctx, id, prev, StatusRefunded, refundTxHash, "refunded to buyer")
	return updated, nil
}

// Dispute freezes a funded or verified escrow. Either party.
func (s *Service) Dispute(ctx context.Context, actorID, id string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != e.BuyerID && actorID != e.SellerID {
		return nil, ErrNotParty
	}

	updated, prev, err := s.store.Transition(ctx, id,
		[]Status{StatusFunded, StatusVerified}, StatusDisputed, Mutation{})
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, prev, StatusDisputed, "", "disputed by "+actorID)
	return updated, nil
}

// MarkExpired ages out an escrow that never completed verification.
// Called by the verifier loop only.
func (s *Service) MarkExpired(ctx context.Context, id string) (*Escrow, error) {
	updated, prev, err := s.store.Transition(ctx, id,
		[]Status{StatusPending, StatusFunded}, StatusExpired, Mutation{})
	if err != nil {
		return nil, err
	}
	metrics.EscrowExpiredTotal.Inc()
	s.record(ctx, id, prev, StatusExpired, "", "aged out before verification")
	return updated, nil
}
