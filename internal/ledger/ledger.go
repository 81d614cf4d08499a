// Package ledger tracks agent credit balances on the platform.
//
// Credits are whole-number platform currency, distinct from on-chain
// funds. The balance row is a cache; the append-only entry log is the
// source of truth, and the cached balance must always equal the sum of
// entries touching the agent.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrInvalidReason       = errors.New("ledger: invalid reason code")
	ErrDripNotDue          = errors.New("ledger: daily drip not due yet")
)

// Reason codes for one-sided credits and transfers
const (
	ReasonTransfer          = "transfer"
	ReasonRefund            = "refund"
	ReasonRegistrationBonus = "registration_bonus"
	ReasonDailyDrip         = "daily_drip"
	ReasonWebhookTestBonus  = "webhook_test_bonus"
	ReasonAdjustment        = "adjustment"
)

var grantReasons = map[string]bool{
	ReasonRegistrationBonus: true,
	ReasonDailyDrip:         true,
	ReasonWebhookTestBonus:  true,
	ReasonAdjustment:        true,
	ReasonRefund:            true,
}

// Entry is an immutable record of one balance change
type Entry struct {
	ID        string    `json:"id"`
	FromAgent string    `json:"fromAgent,omitempty"` // Empty for platform grants
	ToAgent   string    `json:"toAgent"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	Reference string    `json:"reference,omitempty"` // Transaction ID, webhook ID, etc.
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists balances and entries. Transfer and TryDrip must be
// atomic against concurrent callers (conditional update, not
// read-then-write).
type Store interface {
	// GetBalance returns the cached balance, lazily 0 for unknown agents.
	GetBalance(ctx context.Context, agentID string) (int64, error)

	// Transfer atomically moves amount from one agent to another and
	// appends exactly one entry. Returns ErrInsufficientBalance with no
	// partial effect when from's balance < amount.
	Transfer(ctx context.Context, from, to string, amount int64, reason, reference string) error

	// AddCredits is a one-sided platform grant; always succeeds.
	AddCredits(ctx context.Context, agentID string, amount int64, reason, memo string) error

	// TryDrip fires the daily drip iff >=24h elapsed since the last one.
	// The guard is a conditional update on the stored timestamp, so
	// concurrent calls for one agent cannot double-fire.
	TryDrip(ctx context.Context, agentID string, amount int64) (bool, error)

	// GetHistory returns recent entries touching the agent, newest first.
	GetHistory(ctx context.Context, agentID string, limit int) ([]*Entry, error)
}

// Ledger manages agent credit balances
type Ledger struct {
	store      Store
	dripAmount int64
}

// New creates a new ledger. dripAmount is the daily activity drip.
func New(store Store, dripAmount int64) *Ledger {
	return &Ledger{store: store, dripAmount: dripAmount}
}

// GetBalance returns an agent's current balance
func (l *Ledger) GetBalance(ctx context.Context, agentID string) (int64, error) {
	defer observeOp("get_balance")()
	return l.store.GetBalance(ctx, agentID)
}

// Transfer moves credits between two agents atomically
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if from == to {
		return ErrInvalidAmount
	}
	defer observeOp("transfer")()
	return l.store.Transfer(ctx, from, to, amount, ReasonTransfer, reference)
}

// AddCredits grants credits to an agent with a reason code
func (l *Ledger) AddCredits(ctx context.Context, agentID string, amount int64, reason, memo string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if !grantReasons[reason] {
		return ErrInvalidReason
	}
	defer observeOp("add_credits")()
	if err := l.store.AddCredits(ctx, agentID, amount, reason, memo); err != nil {
		return err
	}
	LedgerCreditsGranted.WithLabelValues(reason).Add(float64(amount))
	return nil
}

// DailyDrip grants the daily activity drip, at most once per rolling
// 24h window. Safe to call on every authenticated request.
func (l *Ledger) DailyDrip(ctx context.Context, agentID string) error {
	if l.dripAmount <= 0 {
		return nil
	}
	defer observeOp("daily_drip")()
	fired, err := l.store.TryDrip(ctx, agentID, l.dripAmount)
	if err != nil {
		return err
	}
	if !fired {
		return ErrDripNotDue
	}
	LedgerCreditsGranted.WithLabelValues(ReasonDailyDrip).Add(float64(l.dripAmount))
	return nil
}

// GetHistory returns ledger entries for an agent
func (l *Ledger) GetHistory(ctx context.Context, agentID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, agentID, limit)
}
