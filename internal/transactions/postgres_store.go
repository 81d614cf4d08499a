package transactions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO transactions (id, buyer_id, seller_id, listing_id, method,
			amount_credits, escrow_id, status, input, progress, progress_message,
			rating, review, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, '', 0, '', NOW(), NOW())
		RETURNING created_at, updated_at
	`, t.ID, t.BuyerID, t.SellerID, t.ListingID, t.Method,
		t.AmountCredits, t.EscrowID, t.Status, nullable(t.Input),
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// nullable passes JSON payloads as text so the server casts to jsonb;
// empty payloads become SQL NULL.
func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

const txnColumns = `id, buyer_id, seller_id, listing_id, method, amount_credits,
	escrow_id, status, input, output, progress, progress_message, rating, review,
	accepted_at, started_at, delivered_at, completed_at, created_at, updated_at`

func scanTxn(row interface{ Scan(...any) error }) (*Transaction, error) {
	var t Transaction
	var input, output []byte
	var acceptedAt, startedAt, deliveredAt, completedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.BuyerID, &t.SellerID, &t.ListingID, &t.Method, &t.AmountCredits,
		&t.EscrowID, &t.Status, &input, &output, &t.Progress, &t.ProgressMessage,
		&t.Rating, &t.Review,
		&acceptedAt, &startedAt, &deliveredAt, &completedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	t.Input = input
	t.Output = output
	if acceptedAt.Valid {
		t.AcceptedAt = &acceptedAt.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if deliveredAt.Valid {
		t.DeliveredAt = &deliveredAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	return scanTxn(row)
}

func (p *PostgresStore) List(ctx context.Context, query Query) ([]*Transaction, error) {
	if query.Limit == 0 {
		query.Limit = 100
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE ($1 = '' OR buyer_id = $1 OR seller_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4
	`, query.AgentID, string(query.Status), query.Limit, query.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// Transition is the single CAS primitive: one UPDATE conditioned on
// the current status, stamping the new status's timestamp column and
// applying the mutation, returning both the row it left and the
// updated row. Zero rows matched means not-found or a lost race; the
// two are indistinguishable on purpose.
func (p *PostgresStore) Transition(ctx context.Context, id string, from []Status, to Status, set Mutation) (*Transaction, Status, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	row := p.db.QueryRowContext(ctx, `
		WITH prev AS (
			SELECT id, status FROM transactions
			WHERE id = $1 AND status = ANY($2)
			FOR UPDATE
		)
		UPDATE transactions t SET
			status = $3,
			updated_at = NOW(),
			accepted_at  = CASE WHEN $3 = 'accepted'   AND t.accepted_at  IS NULL THEN NOW() ELSE t.accepted_at  END,
			started_at   = CASE WHEN $3 = 'in_progress' AND t.started_at  IS NULL THEN NOW() ELSE t.started_at   END,
			delivered_at = CASE WHEN $3 = 'delivered'  AND t.delivered_at IS NULL THEN NOW() ELSE t.delivered_at END,
			completed_at = CASE WHEN $8 THEN NULL
			                    WHEN $3 = 'completed' AND t.completed_at IS NULL THEN NOW()
			                    ELSE t.completed_at END,
			output           = COALESCE($4, t.output),
			progress_message = COALESCE($5, t.progress_message),
			rating           = CASE WHEN $8 THEN 0  ELSE COALESCE($6, t.rating) END,
			review           = CASE WHEN $8 THEN '' ELSE COALESCE($7, t.review) END,
			escrow_id        = COALESCE($9, t.escrow_id)
		FROM prev
		WHERE t.id = prev.id
		RETURNING prev.status,
			t.id, t.buyer_id, t.seller_id, t.listing_id, t.method, t.amount_credits,
			t.escrow_id, t.status, t.input, t.output, t.progress, t.progress_message,
			t.rating, t.review, t.accepted_at, t.started_at, t.delivered_at,
			t.completed_at, t.created_at, t.updated_at
	`, id, pq.Array(fromStrs), string(to),
		nullable(set.Output), set.ProgressMessage, set.Rating, set.Review,
		set.ClearCompletion, set.EscrowID)

	var prev string
	var t Transaction
	var input, output []byte
	var acceptedAt, startedAt, deliveredAt, completedAt sql.NullTime
	err := row.Scan(&prev,
		&t.ID, &t.BuyerID, &t.SellerID, &t.ListingID, &t.Method, &t.AmountCredits,
		&t.EscrowID, &t.Status, &input, &output, &t.Progress, &t.ProgressMessage,
		&t.Rating, &t.Review, &acceptedAt, &startedAt, &deliveredAt, &completedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to transition transaction: %w", err)
	}
	t.Input = input
	t.Output = output
	if acceptedAt.Valid {
		t.AcceptedAt = &acceptedAt.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if deliveredAt.Valid {
		t.DeliveredAt = &deliveredAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, Status(prev), nil
}

func (p *PostgresStore) SetProgress(ctx context.Context, id string, percent int, message string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE transactions SET
			progress = $2,
			progress_message = CASE WHEN $3 <> '' THEN $3 ELSE progress_message END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'
		RETURNING `+txnColumns+`
	`, id, percent, message)
	return scanTxn(row)
}
