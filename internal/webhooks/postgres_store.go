package webhooks

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

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const subColumns = `id, agent_id, url, secret, events, active, fail_streak,
	test_bonus_granted, last_success, last_error, created_at, updated_at`

func scanSub(row interface{ Scan(...any) error }) (*Subscription, error) {
	var s Subscription
	var lastSuccess sql.NullTime
	err := row.Scan(
		&s.ID, &s.AgentID, &s.URL, &s.Secret, pq.Array(&s.Events), &s.Active,
		&s.FailStreak, &s.TestBonusGranted, &lastSuccess, &s.LastError,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	if lastSuccess.Valid {
		s.LastSuccess = &lastSuccess.Time
	}
	return &s, nil
}

func (p *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, agent_id, url, secret, events, active,
			fail_streak, test_bonus_granted, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, FALSE, '', NOW(), NOW())
	`, sub.ID, sub.AgentID, sub.URL, sub.Secret, pq.Array(sub.Events), sub.Active)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subColumns+` FROM webhooks WHERE id = $1`, id)
	return scanSub(row)
}

func (p *PostgresStore) listSubs(ctx context.Context, query string, args ...any) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Subscription
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListByAgent(ctx context.Context, agentID string) ([]*Subscription, error) {
	return p.listSubs(ctx, `SELECT `+subColumns+` FROM webhooks WHERE agent_id = $1 ORDER BY created_at, id`, agentID)
}

func (p *PostgresStore) ListActiveByAgent(ctx context.Context, agentID string) ([]*Subscription, error) {
	return p.listSubs(ctx, `SELECT `+subColumns+` FROM webhooks WHERE agent_id = $1 AND active = TRUE ORDER BY created_at, id`, agentID)
}

func (p *PostgresStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE webhooks SET
			url = $2, events = $3, active = $4, fail_streak = $5,
			test_bonus_granted = $6, last_error = $7, updated_at = NOW()
		WHERE id = $1
	`, sub.ID, sub.URL, pq.Array(sub.Events), sub.Active, sub.FailStreak,
		sub.TestBonusGranted, sub.LastError)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteSubscription(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const deliveryColumns = `id, subscription_id, event, payload, status, attempts,
	next_retry_at, last_error, delivered_at, created_at, updated_at`

func scanDelivery(row interface{ Scan(...any) error }) (*Delivery, error) {
	var d Delivery
	var payload []byte
	var deliveredAt sql.NullTime
	err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.Event, &payload, &d.Status, &d.Attempts,
		&d.NextRetryAt, &d.LastError, &deliveredAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan delivery: %w", err)
	}
	d.Payload = payload
	if deliveredAt.Valid {
		d.DeliveredAt = &deliveredAt.Time
	}
	return &d, nil
}

func (p *PostgresStore) Enqueue(ctx context.Context, d *Delivery) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, subscription_id, event, payload,
			status, attempts, next_retry_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, '', NOW(), NOW())
	`, d.ID, d.SubscriptionID, d.Event, string(d.Payload), string(d.Status), d.NextRetryAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue delivery: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	return scanDelivery(row)
}

func (p *PostgresStore) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*Delivery, error) {
	if limit == 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE subscription_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// ClaimDue flips due pending rows to sending in one statement.
// SKIP LOCKED keeps concurrent engines off each other's batches;
// stuck sending rows become claimable after the grace period.
func (p *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	rows, err := p.db.QueryContext(ctx, `
		WITH due AS (
			SELECT id FROM webhook_deliveries
			WHERE (status = 'pending' AND next_retry_at <= $1)
			   OR (status = 'sending' AND updated_at < $1 - INTERVAL '5 minutes')
			ORDER BY next_retry_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE webhook_deliveries d SET status = 'sending', updated_at = NOW()
		FROM due
		WHERE d.id = due.id
		RETURNING d.id, d.subscription_id, d.event, d.payload, d.status,
			d.attempts, d.next_retry_at, d.last_error, d.delivered_at,
			d.created_at, d.updated_at
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET
			status = 'delivered', delivered_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return nil
}

func (p *PostgresStore) Reschedule(ctx context.Context, id string, attempts int, nextRetry time.Time, lastErr string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET
			status = 'pending', attempts = $2, next_retry_at = $3,
			last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, attempts, nextRetry, lastErr)
	if err != nil {
		return fmt.Errorf("failed to reschedule delivery: %w", err)
	}
	return nil
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id string, lastErr string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET
			status = 'failed', attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, lastErr)
	if err != nil {
		return fmt.Errorf("failed to mark delivery failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) RecordSuccess(ctx context.Context, subscriptionID string, lastErr string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhooks SET
			fail_streak = 0, last_success = NOW(), last_error = $2, updated_at = NOW()
		WHERE id = $1
	`, subscriptionID, lastErr)
	if err != nil {
		return fmt.Errorf("failed to record webhook success: %w", err)
	}
	return nil
}

func (p *PostgresStore) BumpFailStreak(ctx context.Context, subscriptionID string, lastErr string) (int, error) {
	var streak int
	err := p.db.QueryRowContext(ctx, `
		UPDATE webhooks SET
			fail_streak = fail_streak + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING fail_streak
	`, subscriptionID, lastErr).Scan(&streak)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to bump failure streak: %w", err)
	}
	return streak, nil
}

func (p *PostgresStore) Disable(ctx context.Context, subscriptionID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhooks SET active = FALSE, updated_at = NOW() WHERE id = $1
	`, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to disable subscription: %w", err)
	}
	return nil
}
