package transactions

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/taskbay/taskbay/internal/testutil"
)

func seedAgents(t *testing.T, db *sql.DB, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := db.Exec(`
			INSERT INTO agents (id, name) VALUES ($1, $1)
			ON CONFLICT (id) DO NOTHING
		`, id)
		if err != nil {
			t.Fatalf("seed agent %s: %v", id, err)
		}
	}
}

func seedTxn(t *testing.T, store *PostgresStore, id string, status Status) *Transaction {
	t.Helper()
	txn := &Transaction{
		ID:            id,
		BuyerID:       "agt_buyer",
		SellerID:      "agt_seller",
		ListingID:     "lst_1",
		Method:        MethodLedger,
		AmountCredits: 30,
		Status:        status,
	}
	if err := store.Create(context.Background(), txn); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return txn
}

func TestPostgresStore_CreateGetRoundtrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedAgents(t, db, "agt_buyer", "agt_seller")

	store := NewPostgresStore(db)
	seedTxn(t, store, "txn_pg1", StatusRequested)

	got, err := store.Get(context.Background(), "txn_pg1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.BuyerID != "agt_buyer" || got.SellerID != "agt_seller" {
		t.Errorf("parties = %s/%s", got.BuyerID, got.SellerID)
	}
	if got.Status != StatusRequested || got.AmountCredits != 30 {
		t.Errorf("got status=%s amount=%d", got.Status, got.AmountCredits)
	}
}

func TestPostgresStore_TransitionCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedAgents(t, db, "agt_buyer", "agt_seller")

	store := NewPostgresStore(db)
	seedTxn(t, store, "txn_pg2", StatusRequested)
	ctx := context.Background()

	txn, prev, err := store.Transition(ctx, "txn_pg2", []Status{StatusRequested}, StatusAccepted, Mutation{})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if prev != StatusRequested {
		t.Errorf("prev = %s, want requested", prev)
	}
	if txn.Status != StatusAccepted {
		t.Errorf("status = %s, want accepted", txn.Status)
	}
	if txn.AcceptedAt == nil {
		t.Error("AcceptedAt not stamped")
	}

	// Same transition again: the from-set no longer matches
	_, _, err = store.Transition(ctx, "txn_pg2", []Status{StatusRequested}, StatusAccepted, Mutation{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("repeat transition error = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_TransitionUnknownID(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	_, _, err := store.Transition(context.Background(), "txn_missing", []Status{StatusRequested}, StatusAccepted, Mutation{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_ConcurrentTransitionSingleWinner(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedAgents(t, db, "agt_buyer", "agt_seller")

	store := NewPostgresStore(db)
	seedTxn(t, store, "txn_pg3", StatusRequested)

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.Transition(context.Background(), "txn_pg3",
				[]Status{StatusRequested}, StatusAccepted, Mutation{})
			if err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("winners = %d, want exactly 1", count)
	}
}

func TestPostgresStore_ListFiltersByAgentAndStatus(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedAgents(t, db, "agt_buyer", "agt_seller", "agt_other")

	store := NewPostgresStore(db)
	seedTxn(t, store, "txn_pg4", StatusRequested)
	seedTxn(t, store, "txn_pg5", StatusCompleted)

	other := &Transaction{
		ID: "txn_pg6", BuyerID: "agt_other", SellerID: "agt_seller",
		ListingID: "lst_2", Method: MethodLedger, Status: StatusRequested,
	}
	if err := store.Create(context.Background(), other); err != nil {
		t.Fatalf("Create: %v", err)
	}

	txns, err := store.List(context.Background(), Query{AgentID: "agt_buyer"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(txns) != 2 {
		t.Errorf("buyer txns = %d, want 2", len(txns))
	}

	txns, err = store.List(context.Background(), Query{AgentID: "agt_seller", Status: StatusRequested})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(txns) != 2 {
		t.Errorf("seller requested txns = %d, want 2", len(txns))
	}
}
