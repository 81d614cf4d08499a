package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskbay/taskbay/internal/agents"
	"github.com/taskbay/taskbay/internal/listings"
	"github.com/taskbay/taskbay/internal/transactions"
)

type recordingPusher struct {
	mu     sync.Mutex
	pushes map[string][][]byte
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{pushes: make(map[string][][]byte)}
}

func (p *recordingPusher) Push(agentID string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes[agentID] = append(p.pushes[agentID], payload)
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []string // "agentID event"
	err   error
}

func (e *recordingEnqueuer) Enqueue(ctx context.Context, agentID, event string, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, agentID+" "+event)
	return e.err
}

type stubListings struct {
	listing *listings.Listing
}

func (s *stubListings) Get(ctx context.Context, id string) (*listings.Listing, error) {
	if s.listing == nil || s.listing.ID != id {
		return nil, listings.ErrListingNotFound
	}
	return s.listing, nil
}

type stubAgents struct {
	byID map[string]*agents.Agent
}

func (s *stubAgents) Get(ctx context.Context, id string) (*agents.Agent, error) {
	a, ok := s.byID[id]
	if !ok {
		return nil, agents.ErrAgentNotFound
	}
	return a, nil
}

func testTxn() *transactions.Transaction {
	return &transactions.Transaction{
		ID:        "txn_1",
		BuyerID:   "agt_buyer",
		SellerID:  "agt_seller",
		ListingID: "lst_1",
		Method:    transactions.MethodLedger,
		Status:    transactions.StatusAccepted,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func testService(store Store, pusher Pusher, hooks Enqueuer) *Service {
	ls := &stubListings{listing: &listings.Listing{ID: "lst_1", AgentID: "agt_seller", Title: "Summarize a document"}}
	ag := &stubAgents{byID: map[string]*agents.Agent{
		"agt_buyer":  {ID: "agt_buyer", Name: "buyer"},
		"agt_seller": {ID: "agt_seller", Name: "seller"},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, pusher, hooks, ls, ag, logger)
}

func TestTransactionEventWritesActivity(t *testing.T) {
	store := NewMemoryStore()
	svc := testService(store, newRecordingPusher(), &recordingEnqueuer{})

	svc.TransactionEvent(context.Background(), "transaction.accepted", testTxn())

	entries, err := store.List(context.Background(), Query{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Contains(t, entry.ID, "act_")
	assert.Equal(t, "txn_1", entry.TransactionID)
	assert.Equal(t, "transaction.accepted", entry.Event)
	assert.Equal(t, "agt_buyer", entry.BuyerID)
	assert.Equal(t, "agt_seller", entry.SellerID)
	assert.Contains(t, entry.Summary, "agt_seller")
	assert.False(t, entry.CreatedAt.IsZero())
}

func TestTransactionEventEnvelope(t *testing.T) {
	pusher := newRecordingPusher()
	svc := testService(NewMemoryStore(), pusher, &recordingEnqueuer{})

	svc.TransactionEvent(context.Background(), "transaction.accepted", testTxn())

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	require.Len(t, pusher.pushes["agt_buyer"], 1)
	require.Len(t, pusher.pushes["agt_seller"], 1)
	assert.Equal(t, pusher.pushes["agt_buyer"][0], pusher.pushes["agt_seller"][0])

	var got struct {
		Event         string    `json:"event"`
		TransactionID string    `json:"transactionId"`
		Timestamp     time.Time `json:"timestamp"`
		Data          struct {
			Transaction *transactions.Transaction `json:"transaction"`
			Listing     *listings.Listing         `json:"listing"`
			Buyer       *agents.Agent             `json:"buyer"`
			Seller      *agents.Agent             `json:"seller"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(pusher.pushes["agt_buyer"][0], &got))

	assert.Equal(t, "transaction.accepted", got.Event)
	assert.Equal(t, "txn_1", got.TransactionID)
	assert.False(t, got.Timestamp.IsZero())
	require.NotNil(t, got.Data.Transaction)
	assert.Equal(t, "txn_1", got.Data.Transaction.ID)
	require.NotNil(t, got.Data.Listing)
	assert.Equal(t, "lst_1", got.Data.Listing.ID)
	require.NotNil(t, got.Data.Buyer)
	assert.Equal(t, "agt_buyer", got.Data.Buyer.ID)
	require.NotNil(t, got.Data.Seller)
	assert.Equal(t, "agt_seller", got.Data.Seller.ID)
}

func TestTransactionEventQueuesWebhooksForBothParties(t *testing.T) {
	hooks := &recordingEnqueuer{}
	svc := testService(NewMemoryStore(), newRecordingPusher(), hooks)

	svc.TransactionEvent(context.Background(), "transaction.delivered", testTxn())

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	assert.Equal(t, []string{
		"agt_buyer transaction.delivered",
		"agt_seller transaction.delivered",
	}, hooks.calls)
}

type failingStore struct{}

func (failingStore) Add(ctx context.Context, a *Activity) error {
	return errors.New("store down")
}

func (failingStore) List(ctx context.Context, q Query) ([]*Activity, error) {
	return nil, errors.New("store down")
}

func TestFanoutSurvivesChannelFailures(t *testing.T) {
	pusher := newRecordingPusher()
	hooks := &recordingEnqueuer{err: errors.New("queue down")}
	svc := testService(failingStore{}, pusher, hooks)

	// Must not panic or block; remaining channels still fire
	svc.TransactionEvent(context.Background(), "transaction.completed", testTxn())

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	assert.Len(t, pusher.pushes["agt_buyer"], 1)
	assert.Len(t, pusher.pushes["agt_seller"], 1)
}

func TestSnapshotToleratesMissingEntities(t *testing.T) {
	pusher := newRecordingPusher()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(NewMemoryStore(), pusher, &recordingEnqueuer{},
		&stubListings{}, &stubAgents{byID: map[string]*agents.Agent{}}, logger)

	svc.TransactionEvent(context.Background(), "transaction.requested", testTxn())

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	require.Len(t, pusher.pushes["agt_buyer"], 1)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(pusher.pushes["agt_buyer"][0], &got))
	var data map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(got["data"], &data))
	assert.Contains(t, data, "transaction")
	assert.NotContains(t, data, "listing")
	assert.NotContains(t, data, "buyer")
	assert.NotContains(t, data, "seller")
}

func TestFeedFiltersAndPaginates(t *testing.T) {
	store := NewMemoryStore()
	svc := testService(store, newRecordingPusher(), &recordingEnqueuer{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.TransactionEvent(ctx, "transaction.progress", testTxn())
	}
	other := testTxn()
	other.ID = "txn_2"
	other.BuyerID = "agt_other"
	other.SellerID = "agt_stranger"
	svc.TransactionEvent(ctx, "transaction.requested", other)

	mine, err := svc.Feed(ctx, "agt_buyer", 10, 0)
	require.NoError(t, err)
	assert.Len(t, mine, 3)

	page, err := svc.Feed(ctx, "agt_buyer", 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := svc.Feed(ctx, "agt_buyer", 10, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	theirs, err := svc.Feed(ctx, "agt_other", 10, 0)
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Equal(t, "txn_2", theirs[0].TransactionID)

	none, err := svc.Feed(ctx, "agt_nobody", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSummaries(t *testing.T) {
	txn := testTxn()
	txn.Progress = 40

	tests := []struct {
		event string
		want  string
	}{
		{"transaction.requested", "agt_buyer requested task lst_1 from agt_seller"},
		{"transaction.accepted", "agt_seller accepted the request for lst_1"},
		{"transaction.progress", "agt_seller reported 40% on lst_1"},
		{"transaction.completed", "agt_buyer completed the transaction with agt_seller"},
		{"transaction.disputed", "transaction txn_1 is under dispute"},
		{"transaction.something_new", "transaction txn_1: something_new"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, summarize(tt.event, txn), tt.event)
	}
}
