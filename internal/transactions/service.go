package transactions

import (
	"context"
	"encoding/json"

	"github.com/taskbay/taskbay/internal/idgen"
	"github.com/taskbay/taskbay/internal/ledger"
	"github.com/taskbay/taskbay/internal/listings"
	"github.com/taskbay/taskbay/internal/logging"
	"github.com/taskbay/taskbay/internal/metrics"
	"github.com/taskbay/taskbay/internal/traces"
)

// Settler is the credit ledger surface the state machine needs
type Settler interface {
	GetBalance(ctx context.Context, agentID string) (int64, error)
	Transfer(ctx context.Context, from, to string, amount int64, reference string) error
}

// Reputation applies completion-time rating updates to the seller
type Reputation interface {
	Rate(ctx context.Context, agentID string, rating int) error
	RecordCompletion(ctx context.Context, agentID string, bonus int64) error
}

// Notifier fans a successful transition out to the activity log, push
// channel and webhook queue. Implementations must never fail the
// transition path.
type Notifier interface {
	TransactionEvent(ctx context.Context, event string, txn *Transaction)
}

// ListingSource resolves listings at request time
type ListingSource interface {
	Get(ctx context.Context, id string) (*listings.Listing, error)
}

// Service drives the transaction state machine
type Service struct {
	store      Store
	ledger     Settler
	listings   ListingSource
	reputation Reputation
	notifier   Notifier
}

// NewService creates the state machine service
func NewService(store Store, ledger Settler, ls ListingSource, rep Reputation, notifier Notifier) *Service {
	return &Service{
		store:      store,
		ledger:     ledger,
		listings:   ls,
		reputation: rep,
		notifier:   notifier,
	}
}

func (s *Service) notify(ctx context.Context, event string, txn *Transaction) {
	metrics.TransactionTransitionsTotal.WithLabelValues(event).Inc()
	if s.notifier != nil {
		s.notifier.TransactionEvent(ctx, event, txn)
	}
}

// Get returns a transaction by ID
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// List returns transactions matching the query
func (s *Service) List(ctx context.Context, query Query) ([]*Transaction, error) {
	return s.store.List(ctx, query)
}

// Request creates a transaction in `requested`. The seller is copied
// from the listing owner and the price is snapshotted; if amount is
// nil the listing price applies. Ledger-path buyers must be able to
// afford the amount at request time (re-checked atomically at
// completion).
func (s *Service) Request(ctx context.Context, buyerID, listingID string, amount *int64, input json.RawMessage) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.request", traces.AgentID(buyerID))
	defer span.End()

	listing, err := s.listings.Get(ctx, listingID)
	if err != nil {
		return nil, ErrNotFound
	}
	if !listing.Active {
		return nil, ErrListingUnavailable
	}
	if listing.AgentID == buyerID {
		return nil, ErrSelfDeal
	}

	txn := &Transaction{
		ID:        idgen.WithPrefix("txn_"),
		BuyerID:   buyerID,
		SellerID:  listing.AgentID,
		ListingID: listing.ID,
		Status:    StatusRequested,
		Input:     input,
	}

	switch listing.PriceType {
	case listings.PriceUSDC:
		txn.Method = MethodEscrow
	default:
		// free and swap settle as zero-credit ledger transactions
		txn.Method = MethodLedger
		if listing.PriceType == listings.PriceCredits {
			txn.AmountCredits = listing.PriceCredits
		}
	}
	if amount != nil && txn.Method == MethodLedger {
		if *amount < 0 {
			return nil, ErrInvalidAmount
		}
		txn.AmountCredits = *amount
	}

	if txn.Method == MethodLedger && txn.AmountCredits > 0 {
		balance, err := s.ledger.GetBalance(ctx, buyerID)
		if err != nil {
			return nil, err
		}
		if balance < txn.AmountCredits {
			return nil, ledger.ErrInsufficientBalance
		}
	}

	if err := s.store.Create(ctx, txn); err != nil {
		return nil, err
	}

	s.notify(ctx, "transaction.requested", txn)
	return txn, nil
}

// Accept moves requested -> accepted. Seller only.
func (s *Service) Accept(ctx context.Context, sellerID, id string) (*Transaction, error) {
	if err := s.requireSeller(ctx, sellerID, id); err != nil {
		return nil, err
	}
	txn, _, err := s.store.Transition(ctx, id, []Status{StatusRequested}, StatusAccepted, Mutation{})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, "transaction.accepted", txn)
	return txn, nil
}

// Reject moves requested -> rejected. Seller only.
func (s *Service) Reject(ctx context.Context, sellerID, id string) (*Transaction, error) {
	if err := s.requireSeller(ctx, sellerID, id); err != nil {
		return nil, err
	}
	txn, _, err := s.store.Transition(ctx, id, []Status{StatusRequested}, StatusRejected, Mutation{})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, "transaction.rejected", txn)
	return txn, nil
}

// Start moves accepted -> in_progress. Seller only.
func (s *Service) Start(ctx context.Context, sellerID, id string) (*Transaction, error) {
	if err := s.requireSeller(ctx, sellerID, id); err != nil {
		return nil, err
	}
	txn, _, err := s.store.Transition(ctx, id, []Status{StatusAccepted}, StatusInProgress, Mutation{})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, "transaction.started", txn)
	return txn, nil
}

// UpdateProgress updates the progress gauge without changing status.
// Seller only, legal only while in_progress.
func (s *Service) UpdateProgress(ctx context.Context, sellerID, id string, percent int, message string) (*Transaction, error) {
	if percent < 0 || percent > 100 {
		return nil, ErrInvalidProgress
	}
	if err := s.requireSeller(ctx, sellerID, id); err != nil {
		return nil, err
	}
	txn, err := s.store.SetProgress(ctx, id, percent, message)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, "transaction.progress", txn)
	return txn, nil
}

// Deliver moves the working state -> delivered and stores the result.
// Seller only. Legal from in_progress and from revision_requested,
// which functionally re-enters the working state.
func (s *Service) Deliver(ctx context.Context, sellerID, id string, result json.RawMessage) (*Transaction, error) {
	if err := s.requireSeller(ctx, sellerID, id); err != nil {
		return nil, err
	}
	txn, _, err := s.store.Transition(ctx, id,
		[]Status{StatusInProgress, StatusRevisionRequested},
		StatusDelivered,
		Mutation{Output: result},
	)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, "transaction.delivered", txn)
	return txn, nil
}

// RequestRevision moves delivered -> revision_requested. Buyer only.
func (s *Service) RequestRevision(ctx context.Context, buyerID, id string, reason string) (*Transaction, error) {
	if err := s.requireBuyer(ctx, buyerID, id); err != nil {
		return nil, err
	}
	txn, _, err := s.store.Transition(ctx, id,
		[]Status{StatusDelivered},
		StatusRevisionRequested,
		Mutation{ProgressMessage: &reason},
	)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, "transaction.revision_requested", txn)
	return txn, nil
}

// Complete settles the transaction. Buyer only, legal from accepted
// (pay-before-delivery) or delivered. On the ledger path the credit
// transfer happens after the CAS wins; if the transfer fails the CAS
// is reverted and the caller sees the status unchanged.
func (s *Service) Complete(ctx context.Context, buyerID, id string, rating *int, review string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.complete", traces.TransactionID(id))
	defer span.End()

	if rating != nil && (*rating < 1 || *rating > 5) {
		return nil, ErrInvalidRating
	}
	if err := s.requireBuyer(ctx, buyerID, id); err != nil {
		return nil, err
	}

	set := Mutation{Rating: rating}
	if review != "" {
		set.Review = &review
	}
	txn, prev, err := s.store.Transition(ctx, id,
		[]Status{StatusAccepted, StatusDelivered},
		StatusCompleted,
		set,
	)
	if err != nil {
		return nil, err
	}

	if txn.Method == MethodLedger && txn.AmountCredits > 0 {
		if err := s.ledger.Transfer(ctx, txn.BuyerID, txn.SellerID, txn.AmountCredits, txn.ID); err != nil {
			// Settlement failed: put the transaction back where it was.
			// The CAS win guarantees no concurrent completion raced us.
			if _, _, revertErr := s.store.Transition(ctx, id, []Status{StatusCompleted}, prev, Mutation{ClearCompletion: true}); revertErr != nil {
				logging.L(ctx).Error("failed to revert completion after settlement failure",
					"transaction", id, "error", revertErr)
			}
			return nil, err
		}
	}

	if s.reputation != nil {
		if rating != nil {
			if err := s.reputation.Rate(ctx, txn.SellerID, *rating); err != nil {
				logging.L(ctx).Warn("failed to apply rating", "transaction", id, "error", err)
			}
		}
		if err := s.reputation.RecordCompletion(ctx, txn.SellerID, 0); err != nil {
			logging.L(ctx).Warn("failed to record completion", "transaction", id, "error", err)
		}
	}

	s.notify(ctx, "transaction.completed", txn)
	return txn, nil
}

// Cancel moves requested -> cancelled. Buyer only.
func (s *Service) Cancel(ctx context.Context, buyerID, id string) (*Transaction, error) {
	if err := s.requireBuyer(ctx, buyerID, id); err != nil {
		return nil, err
	}
	txn, _, err := s.store.Transition(ctx, id, []Status{StatusRequested}, StatusCancelled, Mutation{})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, "transaction.cancelled", txn)
	return txn, nil
}

// Dispute moves accepted|delivered -> disputed. Escrow path only;
// either party may raise it. Terminal pending manual resolution at
// the escrow level.
func (s *Service) Dispute(ctx context.Context, agentID, id string) (*Transaction, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.BuyerID != agentID && txn.SellerID != agentID {
		return nil, ErrNotParty
	}
	if txn.Method != MethodEscrow {
		return nil, ErrNotEscrowPath
	}
	updated, _, err := s.store.Transition(ctx, id,
		[]Status{StatusAccepted, StatusDelivered},
		StatusDisputed,
		Mutation{},
	)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, "transaction.disputed", updated)
	return updated, nil
}

// AttachEscrow links a freshly created escrow to its transaction.
// Called by the escrow service; does not change status.
func (s *Service) AttachEscrow(ctx context.Context, id, escrowID string) error {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	_, _, err = s.store.Transition(ctx, id, []Status{txn.Status}, txn.Status, Mutation{EscrowID: &escrowID})
	return err
}

func (s *Service) requireSeller(ctx context.Context, sellerID, id string) error {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if txn.SellerID != sellerID {
		return ErrNotSeller
	}
	return nil
}

func (s *Service) requireBuyer(ctx context.Context, buyerID, id string) error {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if txn.BuyerID != buyerID {
		return ErrNotBuyer
	}
	return nil
}
