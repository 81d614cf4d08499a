package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const escrowColumns = `id, transaction_id, buyer_id, seller_id, chain, currency,
	buyer_address, seller_address, amount_usdc, platform_fee, seller_amount,
	status, funding_tx_hash, release_tx_hash, funded_at, verified_at, resolved_at,
	created_at, updated_at`

func scanEscrow(row interface{ Scan(...any) error }) (*Escrow, error) {
	var e Escrow
	var fundedAt, verifiedAt, resolvedAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.TransactionID, &e.BuyerID, &e.SellerID, &e.Chain, &e.Currency,
		&e.BuyerAddress, &e.SellerAddr, &e.AmountUSDC, &e.PlatformFee, &e.SellerAmount,
		&e.Status, &e.FundingTxHash, &e.ReleaseTxHash, &fundedAt, &verifiedAt, &resolvedAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan escrow: %w", err)
	}
	if fundedAt.Valid {
		e.FundedAt = &fundedAt.Time
	}
	if verifiedAt.Valid {
		e.VerifiedAt = &verifiedAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return &e, nil
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO escrows (id, transaction_id, buyer_id, seller_id, chain,
			currency, buyer_address, seller_address, amount_usdc, platform_fee,
			seller_amount, status, funding_tx_hash, release_tx_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, $10, '', '', NOW(), NOW())
		RETURNING created_at, updated_at
	`, e.ID, e.TransactionID, e.BuyerID, e.SellerID, e.Chain,
		e.Currency, e.BuyerAddress, e.SellerAddr, e.AmountUSDC, e.Status,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	return scanEscrow(row)
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE transaction_id = $1`, transactionID)
	return scanEscrow(row)
}

// Transition mirrors the transaction store's CAS primitive: one
// conditional UPDATE stamping lifecycle timestamps and applying the
// mutation, returning the status the row left.
func (p *PostgresStore) Transition(ctx context.Context, id string, from []Status, to Status, set Mutation) (*Escrow, Status, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	row := p.db.QueryRowContext(ctx, `
		WITH prev AS (
			SELECT id, status FROM escrows
			WHERE id = $1 AND status = ANY($2)
			FOR UPDATE
		)
		UPDATE escrows e SET
			status = $3,
			updated_at = NOW(),
			funded_at   = CASE WHEN $3 = 'funded'   AND e.funded_at   IS NULL THEN NOW() ELSE e.funded_at   END,
			verified_at = CASE WHEN $3 = 'verified' AND e.verified_at IS NULL THEN NOW() ELSE e.verified_at END,
			resolved_at = CASE WHEN $3 IN ('released', 'refunded', 'expired') AND e.resolved_at IS NULL
			                   THEN NOW() ELSE e.resolved_at END,
			funding_tx_hash = COALESCE($4, e.funding_tx_hash),
			release_tx_hash = COALESCE($5, e.release_tx_hash),
			platform_fee    = COALESCE($6, e.platform_fee),
			seller_amount   = COALESCE($7, e.seller_amount)
		FROM prev
		WHERE e.id = prev.id
		RETURNING prev.status,
			e.id, e.transaction_id, e.buyer_id, e.seller_id, e.chain, e.currency,
			e.buyer_address, e.seller_address, e.amount_usdc, e.platform_fee,
			e.seller_amount, e.status, e.funding_tx_hash, e.release_tx_hash,
			e.funded_at, e.verified_at, e.resolved_at, e.created_at, e.updated_at
	`, id, pq.Array(fromStrs), string(to),
		set.FundingTxHash, set.ReleaseTxHash, set.PlatformFee, set.SellerAmount)

	var prev string
	var e Escrow
	var fundedAt, verifiedAt, resolvedAt sql.NullTime
	err := row.Scan(&prev,
		&e.ID, &e.TransactionID, &e.BuyerID, &e.SellerID, &e.Chain, &e.Currency,
		&e.BuyerAddress, &e.SellerAddr, &e.AmountUSDC, &e.PlatformFee, &e.SellerAmount,
		&e.Status, &e.FundingTxHash, &e.ReleaseTxHash, &fundedAt, &verifiedAt, &resolvedAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to transition escrow: %w", err)
	}
	if fundedAt.Valid {
		e.FundedAt = &fundedAt.Time
	}
	if verifiedAt.Valid {
		e.VerifiedAt = &verifiedAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return &e, Status(prev), nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	if limit == 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectEscrows(rows)
}

func (p *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	if limit == 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status IN ('pending', 'funded') AND created_at < $1
		ORDER BY created_at, id
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectEscrows(rows)
}

func collectEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var results []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func (p *PostgresStore) AddEvent(ctx context.Context, ev *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_events (id, escrow_id, from_status, to_status, tx_hash, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.EscrowID, string(ev.FromStatus), string(ev.ToStatus), ev.TxHash, ev.Detail, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert escrow event: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, escrowID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, from_status, to_status, tx_hash, detail, created_at
		FROM escrow_events
		WHERE escrow_id = $1
		ORDER BY created_at, id
	`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrow events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &ev.FromStatus, &ev.ToStatus,
			&ev.TxHash, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan escrow event: %w", err)
		}
		results = append(results, &ev)
	}
	return results, rows.Err()
}
