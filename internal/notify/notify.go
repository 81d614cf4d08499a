// Package notify fans a successful transaction transition out to the three
// delivery channels: the durable activity log, the best-effort WebSocket
// push to both parties, and the webhook queue. Fan-out never reports an
// error back to the transition path; failures are logged and the transition
// stands.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taskbay/taskbay/internal/agents"
	"github.com/taskbay/taskbay/internal/idgen"
	"github.com/taskbay/taskbay/internal/listings"
	"github.com/taskbay/taskbay/internal/transactions"
)

// Activity is one entry in the activity feed. Both parties of the
// transaction see the same entry.
type Activity struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	Event         string    `json:"event"`
	Summary       string    `json:"summary"`
	BuyerID       string    `json:"buyerId"`
	SellerID      string    `json:"sellerId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Query filters the activity feed.
type Query struct {
	AgentID string // matches buyer or seller
	Limit   int
	Offset  int
}

// Store persists the activity log.
type Store interface {
	Add(ctx context.Context, a *Activity) error
	List(ctx context.Context, q Query) ([]*Activity, error)
}

// Pusher delivers a payload to an agent's open push connections.
type Pusher interface {
	Push(agentID string, payload []byte)
}

// Enqueuer queues webhook deliveries for an agent's subscriptions.
type Enqueuer interface {
	Enqueue(ctx context.Context, agentID, event string, payload []byte) error
}

// ListingSource and AgentSource resolve the entities embedded in the
// event snapshot.
type ListingSource interface {
	Get(ctx context.Context, id string) (*listings.Listing, error)
}

type AgentSource interface {
	Get(ctx context.Context, id string) (*agents.Agent, error)
}

// Service is the fan-out implementation handed to the transaction state
// machine.
type Service struct {
	store    Store
	pusher   Pusher
	hooks    Enqueuer
	listings ListingSource
	agents   AgentSource
	logger   *slog.Logger
}

func New(store Store, pusher Pusher, hooks Enqueuer, ls ListingSource, ag AgentSource, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		pusher:   pusher,
		hooks:    hooks,
		listings: ls,
		agents:   ag,
		logger:   logger,
	}
}

// envelope is the wire shape shared by push and webhook payloads. Data is
// a full current snapshot so receivers can discard stale updates instead
// of replaying them in order.
type envelope struct {
	Event         string    `json:"event"`
	TransactionID string    `json:"transactionId"`
	Data          snapshot  `json:"data"`
	Timestamp     time.Time `json:"timestamp"`
}

type snapshot struct {
	Transaction *transactions.Transaction `json:"transaction"`
	Listing     *listings.Listing         `json:"listing,omitempty"`
	Buyer       *agents.Agent             `json:"buyer,omitempty"`
	Seller      *agents.Agent             `json:"seller,omitempty"`
}

// TransactionEvent records the transition in the activity log, pushes it to
// both parties and queues webhook deliveries. Each channel fails
// independently.
func (s *Service) TransactionEvent(ctx context.Context, event string, txn *transactions.Transaction) {
	entry := &Activity{
		ID:            idgen.WithPrefix("act_"),
		TransactionID: txn.ID,
		Event:         event,
		Summary:       summarize(event, txn),
		BuyerID:       txn.BuyerID,
		SellerID:      txn.SellerID,
		CreatedAt:     time.Now(),
	}
	if err := s.store.Add(ctx, entry); err != nil {
		s.logger.Warn("activity log write failed",
			"transactionId", txn.ID, "event", event, "error", err)
	}

	payload, err := json.Marshal(envelope{
		Event:         event,
		TransactionID: txn.ID,
		Data:          s.snapshot(ctx, txn),
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("event payload marshal failed",
			"transactionId", txn.ID, "event", event, "error", err)
		return
	}

	if s.pusher != nil {
		s.pusher.Push(txn.BuyerID, payload)
		s.pusher.Push(txn.SellerID, payload)
	}

	if s.hooks != nil {
		for _, agentID := range []string{txn.BuyerID, txn.SellerID} {
			if err := s.hooks.Enqueue(ctx, agentID, event, payload); err != nil {
				s.logger.Warn("webhook enqueue failed",
					"agentId", agentID, "transactionId", txn.ID, "event", event, "error", err)
			}
		}
	}
}

// snapshot resolves the listing and both parties. Lookups are best-effort:
// a missing entity leaves its field empty rather than blocking the event.
func (s *Service) snapshot(ctx context.Context, txn *transactions.Transaction) snapshot {
	snap := snapshot{Transaction: txn}
	if s.listings != nil {
		if l, err := s.listings.Get(ctx, txn.ListingID); err == nil {
			snap.Listing = l
		}
	}
	if s.agents != nil {
		if buyer, err := s.agents.Get(ctx, txn.BuyerID); err == nil {
			snap.Buyer = buyer
		}
		if seller, err := s.agents.Get(ctx, txn.SellerID); err == nil {
			snap.Seller = seller
		}
	}
	return snap
}

// Feed returns recent activity visible to the agent, newest first.
func (s *Service) Feed(ctx context.Context, agentID string, limit, offset int) ([]*Activity, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.List(ctx, Query{AgentID: agentID, Limit: limit, Offset: offset})
}

// summarize renders a one-line human summary for the feed.
func summarize(event string, txn *transactions.Transaction) string {
	switch event {
	case "transaction.requested":
		return fmt.Sprintf("%s requested task %s from %s", txn.BuyerID, txn.ListingID, txn.SellerID)
	case "transaction.accepted":
		return fmt.Sprintf("%s accepted the request for %s", txn.SellerID, txn.ListingID)
	case "transaction.rejected":
		return fmt.Sprintf("%s rejected the request for %s", txn.SellerID, txn.ListingID)
	case "transaction.started":
		return fmt.Sprintf("%s started work on %s", txn.SellerID, txn.ListingID)
	case "transaction.progress":
		return fmt.Sprintf("%s reported %d%% on %s", txn.SellerID, txn.Progress, txn.ListingID)
	case "transaction.delivered":
		return fmt.Sprintf("%s delivered the result for %s", txn.SellerID, txn.ListingID)
	case "transaction.revision_requested":
		return fmt.Sprintf("%s requested a revision on %s", txn.BuyerID, txn.ListingID)
	case "transaction.completed":
		return fmt.Sprintf("%s completed the transaction with %s", txn.BuyerID, txn.SellerID)
	case "transaction.cancelled":
		return fmt.Sprintf("%s cancelled the request for %s", txn.BuyerID, txn.ListingID)
	case "transaction.disputed":
		return fmt.Sprintf("transaction %s is under dispute", txn.ID)
	default:
		verb := strings.TrimPrefix(event, "transaction.")
		return fmt.Sprintf("transaction %s: %s", txn.ID, verb)
	}
}
