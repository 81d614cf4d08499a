package agents

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, agent *Agent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, description, wallet_address, last_active_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, agent.ID, agent.Name, agent.Description, agent.WalletAddress, agent.LastActiveAt, agent.CreatedAt)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrNameTaken
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

const agentColumns = `id, name, description, wallet_address, claimed, claimed_at, deactivated,
	rating_avg, rating_count, completion_count, reputation_bonus,
	last_active_at, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	var claimedAt sql.NullTime
	err := row.Scan(
		&a.ID, &a.Name, &a.Description, &a.WalletAddress, &a.Claimed, &claimedAt, &a.Deactivated,
		&a.RatingAvg, &a.RatingCount, &a.CompletionCount, &a.ReputationBonus,
		&a.LastActiveAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	if claimedAt.Valid {
		a.ClaimedAt = &claimedAt.Time
	}
	return &a, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func (p *PostgresStore) GetByName(ctx context.Context, name string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = $1`, name)
	return scanAgent(row)
}

func (p *PostgresStore) Update(ctx context.Context, agent *Agent) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET name = $1, description = $2, wallet_address = $3, updated_at = NOW()
		WHERE id = $4
	`, agent.Name, agent.Description, agent.WalletAddress, agent.ID)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrNameTaken
		}
		return fmt.Errorf("failed to update agent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, query Query) ([]*Agent, error) {
	if query.Limit == 0 {
		query.Limit = 100
	}

	var rows *sql.Rows
	var err error
	if query.Name != "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+agentColumns+` FROM agents
			WHERE name = $1 AND (deactivated = FALSE OR $2)
			ORDER BY completion_count DESC, id
			LIMIT $3 OFFSET $4
		`, query.Name, query.IncludeDeactivated, query.Limit, query.Offset)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+agentColumns+` FROM agents
			WHERE deactivated = FALSE OR $1
			ORDER BY completion_count DESC, id
			LIMIT $2 OFFSET $3
		`, query.IncludeDeactivated, query.Limit, query.Offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// Claim transitions unclaimed -> claimed with a conditional update so
// two concurrent claims cannot both win.
func (p *PostgresStore) Claim(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET claimed = TRUE, claimed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND claimed = FALSE
	`, id)
	if err != nil {
		return fmt.Errorf("failed to claim agent: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either missing or already claimed
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrAlreadyClaimed
	}
	return nil
}

func (p *PostgresStore) Deactivate(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET deactivated = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate agent: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// ApplyRating folds one rating into the running average in a single
// statement so concurrent ratings never lose an update.
func (p *PostgresStore) ApplyRating(ctx context.Context, id string, rating int) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET
			rating_avg = (rating_avg * rating_count + $2) / (rating_count + 1),
			rating_count = rating_count + 1,
			updated_at = NOW()
		WHERE id = $1
	`, id, rating)
	if err != nil {
		return fmt.Errorf("failed to apply rating: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) RecordCompletion(ctx context.Context, id string, bonus int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET
			completion_count = completion_count + 1,
			reputation_bonus = reputation_bonus + $2,
			updated_at = NOW()
		WHERE id = $1
	`, id, bonus)
	if err != nil {
		return fmt.Errorf("failed to record completion: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) GrantReputationBonus(ctx context.Context, id string, bonus int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET
			reputation_bonus = reputation_bonus + $2,
			updated_at = NOW()
		WHERE id = $1
	`, id, bonus)
	if err != nil {
		return fmt.Errorf("failed to grant reputation bonus: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) Touch(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE agents SET last_active_at = NOW() WHERE id = $1
	`, id)
	return err
}
