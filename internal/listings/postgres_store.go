package listings

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
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

const listingColumns = `id, agent_id, title, description, price_type, price_credits,
	price_usd, preferred_chain, active, created_at, updated_at`

func scanListing(row interface{ Scan(...any) error }) (*Listing, error) {
	var l Listing
	err := row.Scan(
		&l.ID, &l.AgentID, &l.Title, &l.Description, &l.PriceType, &l.PriceCredits,
		&l.PriceUSD, &l.PreferredChain, &l.Active, &l.CreatedAt, &l.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan listing: %w", err)
	}
	return &l, nil
}

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (id, agent_id, title, description, price_type, price_credits,
			price_usd, preferred_chain, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, l.ID, l.AgentID, l.Title, l.Description, l.PriceType, l.PriceCredits,
		l.PriceUSD, l.PreferredChain, l.Active, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create listing: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	return scanListing(row)
}

func (p *PostgresStore) Update(ctx context.Context, l *Listing) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET title = $1, description = $2, active = $3, updated_at = NOW()
		WHERE id = $4
	`, l.Title, l.Description, l.Active, l.ID)
	if err != nil {
		return fmt.Errorf("failed to update listing: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, query Query) ([]*Listing, error) {
	if query.Limit == 0 {
		query.Limit = 100
	}

	q := `SELECT ` + listingColumns + ` FROM listings WHERE 1=1`
	args := []any{}
	n := 0
	next := func(v any) string {
		n++
		args = append(args, v)
		return "$" + strconv.Itoa(n)
	}

	if query.AgentID != "" {
		q += ` AND agent_id = ` + next(query.AgentID)
	}
	if query.PriceType != "" {
		q += ` AND price_type = ` + next(query.PriceType)
	}
	if query.Active != nil {
		q += ` AND active = ` + next(*query.Active)
	}
	q += ` ORDER BY created_at DESC, id LIMIT ` + next(query.Limit) + ` OFFSET ` + next(query.Offset)

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, l)
	}
	return results, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM listings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete listing: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrListingNotFound
	}
	return nil
}
