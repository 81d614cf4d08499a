package notify

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed activity log
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Add(ctx context.Context, a *Activity) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, transaction_id, event, summary, buyer_id, seller_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.TransactionID, a.Event, a.Summary, a.BuyerID, a.SellerID, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]*Activity, error) {
	query := `
		SELECT id, transaction_id, event, summary, buyer_id, seller_id, created_at
		FROM activity_log`
	args := []any{}
	if q.AgentID != "" {
		query += ` WHERE buyer_id = $1 OR seller_id = $1`
		args = append(args, q.AgentID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, q.Limit, q.Offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.Event, &a.Summary,
			&a.BuyerID, &a.SellerID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
