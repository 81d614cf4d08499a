package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/taskbay/taskbay/internal/testutil"
)

func TestPostgresStore_TransferMovesBalance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.AddCredits(ctx, "agt_from", 100, ReasonRegistrationBonus, "signup"); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}

	if err := store.Transfer(ctx, "agt_from", "agt_to", 30, ReasonTransfer, "txn_1"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	fromBal, err := store.GetBalance(ctx, "agt_from")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if fromBal != 70 {
		t.Errorf("sender balance = %d, want 70", fromBal)
	}

	toBal, err := store.GetBalance(ctx, "agt_to")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if toBal != 30 {
		t.Errorf("recipient balance = %d, want 30", toBal)
	}

	entries, err := store.GetHistory(ctx, "agt_to", 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Reason != ReasonTransfer || entries[0].Reference != "txn_1" {
		t.Errorf("entry = %+v, want transfer referencing txn_1", entries[0])
	}
}

func TestPostgresStore_TransferInsufficientLeavesNoTrace(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.AddCredits(ctx, "agt_poor", 10, ReasonRegistrationBonus, ""); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}

	err := store.Transfer(ctx, "agt_poor", "agt_rich", 50, ReasonTransfer, "txn_2")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Transfer error = %v, want ErrInsufficientBalance", err)
	}

	bal, err := store.GetBalance(ctx, "agt_poor")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal != 10 {
		t.Errorf("balance = %d, want 10 (unchanged)", bal)
	}

	entries, err := store.GetHistory(ctx, "agt_poor", 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	// Only the AddCredits entry; the failed transfer wrote nothing
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestPostgresStore_TransferToUnknownSenderFails(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	err := store.Transfer(context.Background(), "agt_ghost", "agt_to", 5, ReasonTransfer, "txn_3")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Transfer error = %v, want ErrInsufficientBalance", err)
	}
}

func TestPostgresStore_TryDripWindow(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	granted, err := store.TryDrip(ctx, "agt_drip", 10)
	if err != nil {
		t.Fatalf("TryDrip: %v", err)
	}
	if !granted {
		t.Fatal("first drip should be granted")
	}

	granted, err = store.TryDrip(ctx, "agt_drip", 10)
	if err != nil {
		t.Fatalf("TryDrip: %v", err)
	}
	if granted {
		t.Fatal("second drip within 24h should not be granted")
	}

	bal, err := store.GetBalance(ctx, "agt_drip")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal != 10 {
		t.Errorf("balance = %d, want 10", bal)
	}
}

func TestPostgresStore_GetBalanceUnknownAgent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	bal, err := store.GetBalance(context.Background(), "agt_nobody")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}
}
