package agents

import (
	"context"
	"math"
	"testing"
)

func TestRegisterAndGet(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	agent, err := svc.Register(ctx, "alice-bot", "does research", "")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if agent.ID == "" {
		t.Error("Agent should have an ID")
	}

	got, err := svc.Get(ctx, agent.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "alice-bot" {
		t.Errorf("Expected name alice-bot, got %s", got.Name)
	}

	byName, err := svc.GetByName(ctx, "alice-bot")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if byName.ID != agent.ID {
		t.Errorf("GetByName returned wrong agent: %s", byName.ID)
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice-bot", "", ""); err != nil {
		t.Fatalf("First register failed: %v", err)
	}
	if _, err := svc.Register(ctx, "alice-bot", "", ""); err != ErrNameTaken {
		t.Errorf("Duplicate name should return ErrNameTaken, got %v", err)
	}
}

func TestRegisterInvalidName(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	bad := []string{"", "a", "-starts-with-hyphen", "has spaces", "way!bad"}
	for _, name := range bad {
		if _, err := svc.Register(ctx, name, "", ""); err != ErrInvalidName {
			t.Errorf("Name %q should be rejected, got %v", name, err)
		}
	}
}

func TestRegisterInvalidWallet(t *testing.T) {
	svc := NewService(NewMemoryStore())
	if _, err := svc.Register(context.Background(), "wallet-bot", "", "not-an-address"); err == nil {
		t.Error("Invalid wallet address should be rejected")
	}
}

func TestRateRunningAverage(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	agent, _ := svc.Register(ctx, "rated-bot", "", "")

	// Ratings 5, 3, 4 -> avg 4.0
	for _, r := range []int{5, 3, 4} {
		if err := svc.Rate(ctx, agent.ID, r); err != nil {
			t.Fatalf("Rate(%d) failed: %v", r, err)
		}
	}

	got, _ := svc.Get(ctx, agent.ID)
	if got.RatingCount != 3 {
		t.Errorf("Expected rating count 3, got %d", got.RatingCount)
	}
	if math.Abs(got.RatingAvg-4.0) > 1e-9 {
		t.Errorf("Expected rating avg 4.0, got %f", got.RatingAvg)
	}
}

func TestRateOutOfRange(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	agent, _ := svc.Register(ctx, "rated-bot", "", "")

	for _, r := range []int{0, -1, 6} {
		if err := svc.Rate(ctx, agent.ID, r); err != ErrInvalidRating {
			t.Errorf("Rate(%d) should return ErrInvalidRating, got %v", r, err)
		}
	}
}

func TestRecordCompletion(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	agent, _ := svc.Register(ctx, "seller-bot", "", "")

	if err := svc.RecordCompletion(ctx, agent.ID, 2); err != nil {
		t.Fatalf("RecordCompletion failed: %v", err)
	}
	if err := svc.RecordCompletion(ctx, agent.ID, 2); err != nil {
		t.Fatalf("RecordCompletion failed: %v", err)
	}

	got, _ := svc.Get(ctx, agent.ID)
	if got.CompletionCount != 2 {
		t.Errorf("Expected 2 completions, got %d", got.CompletionCount)
	}
	if got.ReputationBonus != 4 {
		t.Errorf("Expected reputation bonus 4, got %d", got.ReputationBonus)
	}
}

func TestListPagination(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	names := []string{"bot-a", "bot-b", "bot-c", "bot-d", "bot-e"}
	for _, n := range names {
		if _, err := svc.Register(ctx, n, "", ""); err != nil {
			t.Fatalf("Register %s failed: %v", n, err)
		}
	}

	page, err := svc.List(ctx, Query{Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("Expected 2 agents, got %d", len(page))
	}

	rest, err := svc.List(ctx, Query{Limit: 10, Offset: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rest) != 3 {
		t.Errorf("Expected 3 agents, got %d", len(rest))
	}
}

func TestClaim(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	agent, _ := svc.Register(ctx, "claimed-bot", "", "")

	claimed, err := svc.Claim(ctx, agent.ID)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !claimed.Claimed || claimed.ClaimedAt == nil {
		t.Error("Agent should be marked claimed with a timestamp")
	}

	if _, err := svc.Claim(ctx, agent.ID); err != ErrAlreadyClaimed {
		t.Errorf("Second claim should return ErrAlreadyClaimed, got %v", err)
	}
}

func TestDeactivate(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	agent, _ := svc.Register(ctx, "gone-bot", "", "")

	if err := svc.Deactivate(ctx, agent.ID); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}

	// Still resolvable by ID (history must keep working)
	got, err := svc.Get(ctx, agent.ID)
	if err != nil {
		t.Fatalf("Deactivated agent should still resolve: %v", err)
	}
	if !got.Deactivated {
		t.Error("Agent should be marked deactivated")
	}

	// Hidden from discovery
	list, _ := svc.List(ctx, Query{})
	for _, a := range list {
		if a.ID == agent.ID {
			t.Error("Deactivated agent should be hidden from listing")
		}
	}

	// Name is not freed: no hard delete
	if _, err := svc.Register(ctx, "gone-bot", "", ""); err != ErrNameTaken {
		t.Errorf("Name should stay reserved after deactivation, got %v", err)
	}
}
