package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taskbay/taskbay/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// ensureRow lazily initializes an agent's ledger row at balance 0
func ensureRow(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, agentID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO agent_ledger (agent_id, balance) VALUES ($1, 0)
		ON CONFLICT (agent_id) DO NOTHING
	`, agentID)
	return err
}

// GetBalance retrieves an agent's cached balance, 0 if absent
func (p *PostgresStore) GetBalance(ctx context.Context, agentID string) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, `
		SELECT balance FROM agent_ledger WHERE agent_id = $1
	`, agentID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// Transfer moves credits between agents in one SQL transaction.
// The debit is a conditional decrement, not a read-then-write, so two
// concurrent spends of the same balance cannot both succeed past it.
// The CHECK constraint on balance >= 0 is the backstop.
func (p *PostgresStore) Transfer(ctx context.Context, from, to string, amount int64, reason, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ensureRow(ctx, tx, from); err != nil {
		return fmt.Errorf("failed to init sender row: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE agent_ledger SET balance = balance - $2, updated_at = NOW()
		WHERE agent_id = $1 AND balance >= $2
	`, from, amount)
	if err != nil {
		return fmt.Errorf("failed to debit sender: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_ledger (agent_id, balance, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			balance = agent_ledger.balance + $2,
			updated_at = NOW()
	`, to, amount)
	if err != nil {
		return fmt.Errorf("failed to credit recipient: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_ledger_entries (id, from_agent, to_agent, amount, reason, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, idgen.WithPrefix("led_"), from, to, amount, reason, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// AddCredits grants credits one-sided and appends exactly one entry
func (p *PostgresStore) AddCredits(ctx context.Context, agentID string, amount int64, reason, memo string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_ledger (agent_id, balance, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			balance = agent_ledger.balance + $2,
			updated_at = NOW()
	`, agentID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit agent: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_ledger_entries (id, from_agent, to_agent, amount, reason, memo, created_at)
		VALUES ($1, '', $2, $3, $4, $5, NOW())
	`, idgen.WithPrefix("led_"), agentID, amount, reason, memo)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// TryDrip fires the daily drip with a conditional update on
// last_drip_at. Concurrent calls race on the same row; exactly one
// wins the 24h window.
func (p *PostgresStore) TryDrip(ctx context.Context, agentID string, amount int64) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := ensureRow(ctx, tx, agentID); err != nil {
		return false, fmt.Errorf("failed to init ledger row: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE agent_ledger SET
			balance = balance + $2,
			last_drip_at = NOW(),
			updated_at = NOW()
		WHERE agent_id = $1
		  AND (last_drip_at IS NULL OR last_drip_at <= NOW() - INTERVAL '24 hours')
	`, agentID, amount)
	if err != nil {
		return false, fmt.Errorf("failed to apply drip: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_ledger_entries (id, from_agent, to_agent, amount, reason, created_at)
		VALUES ($1, '', $2, $3, $4, NOW())
	`, idgen.WithPrefix("led_"), agentID, amount, ReasonDailyDrip)
	if err != nil {
		return false, fmt.Errorf("failed to record entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// GetHistory returns recent entries touching the agent, newest first
func (p *PostgresStore) GetHistory(ctx context.Context, agentID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, from_agent, to_agent, amount, reason, COALESCE(reference, ''), COALESCE(memo, ''), created_at
		FROM credit_ledger_entries
		WHERE from_agent = $1 OR to_agent = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.FromAgent, &e.ToAgent, &e.Amount, &e.Reason, &e.Reference, &e.Memo, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
