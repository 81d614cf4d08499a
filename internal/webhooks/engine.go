package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/taskbay/taskbay/internal/metrics"
)

// backoffLadder spaces retries out after each failed attempt. Past
// the end the delivery is permanently failed.
var backoffLadder = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
	4 * time.Hour,
}

// Engine drains the delivery queue. Multiple engines may run against
// the same store; the claim-based dequeue keeps them from
// double-sending.
type Engine struct {
	store         Store
	client        *http.Client
	interval      time.Duration
	batchSize     int
	maxAttempts   int
	disableStreak int
	logger        *slog.Logger
	stop          chan struct{}
	running       atomic.Bool
}

// NewEngine creates the webhook delivery engine
func NewEngine(store Store, maxAttempts, disableStreak int, logger *slog.Logger) *Engine {
	return &Engine{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		interval:      5 * time.Second,
		batchSize:     50,
		maxAttempts:   maxAttempts,
		disableStreak: disableStreak,
		logger:        logger,
		stop:          make(chan struct{}),
	}
}

// Running reports whether the engine loop is actively running.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Start begins the delivery loop. Call in a goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.running.Store(true)
	defer e.running.Store(false)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.safeRun(ctx)
		}
	}
}

// Stop signals the engine to stop.
func (e *Engine) Stop() {
	select {
	case e.stop <- struct{}{}:
	default:
	}
}

func (e *Engine) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in webhook engine", "panic", fmt.Sprint(r))
		}
	}()
	e.runOnce(ctx)
}

func (e *Engine) runOnce(ctx context.Context) {
	claimed, err := e.store.ClaimDue(ctx, time.Now(), e.batchSize)
	if err != nil {
		e.logger.Warn("failed to claim webhook deliveries", "error", err)
		return
	}
	for _, d := range claimed {
		e.deliver(ctx, d)
	}
}

// deliver attempts one send of a claimed delivery and settles its
// fate: delivered, rescheduled, or permanently failed.
func (e *Engine) deliver(ctx context.Context, d *Delivery) {
	sub, err := e.store.GetSubscription(ctx, d.SubscriptionID)
	if errors.Is(err, ErrNotFound) {
		// Subscription deleted out from under the queue
		_ = e.store.MarkFailed(ctx, d.ID, "subscription gone")
		metrics.WebhookDeliveriesTotal.WithLabelValues("orphaned").Inc()
		return
	}
	if err != nil {
		// Transient store failure. Leave the claim in place; the
		// sending-reclaim grace returns the delivery to the queue
		// with its retry budget intact.
		e.logger.Warn("failed to load subscription for delivery",
			"delivery", d.ID, "subscription", d.SubscriptionID, "error", err)
		return
	}
	if !sub.Active {
		_ = e.store.MarkFailed(ctx, d.ID, "subscription disabled")
		metrics.WebhookDeliveriesTotal.WithLabelValues("disabled").Inc()
		return
	}

	status, sendErr := e.send(ctx, sub, d)
	if sendErr == nil {
		if err := e.store.MarkDelivered(ctx, d.ID); err != nil {
			e.logger.Warn("failed to mark delivery", "delivery", d.ID, "error", err)
		}
		if err := e.store.RecordSuccess(ctx, sub.ID, ""); err != nil {
			e.logger.Warn("failed to record webhook success", "subscription", sub.ID, "error", err)
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		return
	}

	attempts := d.Attempts + 1
	errMsg := sendErr.Error()
	if status > 0 {
		errMsg = fmt.Sprintf("status %d", status)
	}

	if attempts >= e.maxAttempts {
		e.fail(ctx, sub, d, errMsg)
		return
	}

	backoff := backoffLadder[len(backoffLadder)-1]
	if attempts-1 < len(backoffLadder) {
		backoff = backoffLadder[attempts-1]
	}
	if err := e.store.Reschedule(ctx, d.ID, attempts, time.Now().Add(backoff), errMsg); err != nil {
		e.logger.Warn("failed to reschedule delivery", "delivery", d.ID, "error", err)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("retried").Inc()
	e.logger.Debug("webhook delivery rescheduled",
		"delivery", d.ID, "attempt", attempts, "backoff", backoff, "error", errMsg)
}

// fail marks a delivery permanently failed and bumps the
// subscription's streak exactly once, disabling it past the
// threshold.
func (e *Engine) fail(ctx context.Context, sub *Subscription, d *Delivery, errMsg string) {
	if err := e.store.MarkFailed(ctx, d.ID, errMsg); err != nil {
		e.logger.Warn("failed to mark delivery failed", "delivery", d.ID, "error", err)
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()

	streak, err := e.store.BumpFailStreak(ctx, sub.ID, errMsg)
	if err != nil {
		e.logger.Warn("failed to bump failure streak", "subscription", sub.ID, "error", err)
		return
	}
	e.logger.Warn("webhook delivery permanently failed",
		"delivery", d.ID, "subscription", sub.ID, "streak", streak, "error", errMsg)

	if e.disableStreak > 0 && streak >= e.disableStreak {
		if err := e.store.Disable(ctx, sub.ID); err != nil {
			e.logger.Warn("failed to disable subscription", "subscription", sub.ID, "error", err)
			return
		}
		e.logger.Warn("webhook subscription auto-disabled",
			"subscription", sub.ID, "streak", streak)
	}
}

// send posts the payload once. Any 2xx is success; everything else
// returns an error with the status code when one was received.
func (e *Engine) send(ctx context.Context, sub *Subscription, d *Delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskbay-Event", d.Event)
	req.Header.Set("X-Taskbay-Delivery", d.ID)
	req.Header.Set("X-Taskbay-Signature", Sign(d.Payload, sub.Secret))

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
}

// Sign computes the hex HMAC-SHA256 of the exact payload bytes.
// Receivers must verify against the raw body before parsing.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
