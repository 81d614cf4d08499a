// Package webhooks delivers transaction events to subscriber endpoints.
//
// Deliveries are durable rows drained by a background engine, signed
// with the subscription secret, and retried on a fixed backoff ladder.
// Delivery is at-least-once and unordered; payloads carry full
// snapshots so receivers can discard stale updates.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/taskbay/taskbay/internal/idgen"
	"github.com/taskbay/taskbay/internal/validation"
)

// DeliveryStatus is the state of one queued delivery
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySending   DeliveryStatus = "sending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

var (
	ErrNotFound      = errors.New("webhooks: subscription not found")
	ErrNotOwner      = errors.New("webhooks: subscription belongs to another agent")
	ErrInvalidURL    = errors.New("webhooks: invalid url")
	ErrInvalidEvents = errors.New("webhooks: invalid event list")
)

// Subscription is one agent-owned webhook endpoint
type Subscription struct {
	ID      string   `json:"id"`
	AgentID string   `json:"agentId"`
	URL     string   `json:"url"`
	Secret  string   `json:"-"`
	Events  []string `json:"events"`
	Active  bool     `json:"active"`

	// FailStreak counts consecutive permanently-failed deliveries.
	// It resets on any success and disables the subscription past a
	// threshold.
	FailStreak       int        `json:"failStreak"`
	TestBonusGranted bool       `json:"testBonusGranted"`
	LastSuccess      *time.Time `json:"lastSuccess,omitempty"`
	LastError        string     `json:"lastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Subscribed reports whether the subscription wants the event.
// "*" subscribes to everything.
func (s *Subscription) Subscribed(event string) bool {
	for _, e := range s.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// Delivery is one queued webhook send
type Delivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscriptionId"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	Attempts       int             `json:"attempts"`
	NextRetryAt    time.Time       `json:"nextRetryAt"`
	LastError      string          `json:"lastError,omitempty"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Store persists subscriptions and the delivery queue
type Store interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ListByAgent(ctx context.Context, agentID string) ([]*Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	DeleteSubscription(ctx context.Context, id string) error

	// ListActiveByAgent returns the agent's active subscriptions.
	ListActiveByAgent(ctx context.Context, agentID string) ([]*Subscription, error)

	Enqueue(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*Delivery, error)

	// ClaimDue atomically flips up to limit due pending deliveries to
	// sending and returns them. Two concurrent engines never claim
	// the same row. Rows stuck in sending (a crashed worker) become
	// claimable again after a grace period.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)

	MarkDelivered(ctx context.Context, id string) error
	// Reschedule puts a claimed delivery back in the queue.
	Reschedule(ctx context.Context, id string, attempts int, nextRetry time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, lastErr string) error

	// RecordSuccess clears the subscription's failure streak.
	RecordSuccess(ctx context.Context, subscriptionID string, lastErr string) error
	// BumpFailStreak increments the streak and returns the new value.
	BumpFailStreak(ctx context.Context, subscriptionID string, lastErr string) (int, error)
	Disable(ctx context.Context, subscriptionID string) error
}

// Service manages webhook subscriptions and enqueues deliveries
type Service struct {
	store Store
}

// NewService creates the webhook service
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Subscribe registers an endpoint. The secret is generated here and
// returned exactly once.
func (s *Service) Subscribe(ctx context.Context, agentID, url string, events []string) (*Subscription, string, error) {
	if url == "" {
		return nil, "", ErrInvalidURL
	}
	if v := validation.ValidWebhookURL("url", url)(); v != nil {
		return nil, "", ErrInvalidURL
	}
	if len(events) == 0 {
		return nil, "", ErrInvalidEvents
	}
	for _, e := range events {
		if !validation.IsValidEventName(e) {
			return nil, "", ErrInvalidEvents
		}
	}

	secret := "whsec_" + idgen.Hex(32)
	now := time.Now()
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		AgentID:   agentID,
		URL:       url,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, "", err
	}
	return sub, secret, nil
}

// Get returns a subscription owned by the agent
func (s *Service) Get(ctx context.Context, agentID, id string) (*Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.AgentID != agentID {
		return nil, ErrNotOwner
	}
	return sub, nil
}

// List returns the agent's subscriptions
func (s *Service) List(ctx context.Context, agentID string) ([]*Subscription, error) {
	return s.store.ListByAgent(ctx, agentID)
}

// Update changes the URL, event list or active flag. Reactivating a
// disabled subscription clears its failure streak.
func (s *Service) Update(ctx context.Context, agentID, id string, url string, events []string, active *bool) (*Subscription, error) {
	sub, err := s.Get(ctx, agentID, id)
	if err != nil {
		return nil, err
	}

	if url != "" {
		if v := validation.ValidWebhookURL("url", url)(); v != nil {
			return nil, ErrInvalidURL
		}
		sub.URL = url
	}
	if events != nil {
		for _, e := range events {
			if !validation.IsValidEventName(e) {
				return nil, ErrInvalidEvents
			}
		}
		sub.Events = events
	}
	if active != nil {
		if *active && !sub.Active {
			sub.FailStreak = 0
			sub.LastError = ""
		}
		sub.Active = *active
	}
	sub.UpdatedAt = time.Now()

	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Delete removes a subscription
func (s *Service) Delete(ctx context.Context, agentID, id string) error {
	if _, err := s.Get(ctx, agentID, id); err != nil {
		return err
	}
	return s.store.DeleteSubscription(ctx, id)
}

// Deliveries returns recent deliveries for a subscription
func (s *Service) Deliveries(ctx context.Context, agentID, id string, limit int) ([]*Delivery, error) {
	if _, err := s.Get(ctx, agentID, id); err != nil {
		return nil, err
	}
	return s.store.ListDeliveries(ctx, id, limit)
}

// Enqueue queues one delivery per active subscription of the agent
// that lists the event. It never fails the caller's path; enqueue
// errors are returned only for logging.
func (s *Service) Enqueue(ctx context.Context, agentID, event string, payload []byte) error {
	subs, err := s.store.ListActiveByAgent(ctx, agentID)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, sub := range subs {
		if !sub.Subscribed(event) {
			continue
		}
		d := &Delivery{
			ID:             idgen.WithPrefix("whd_"),
			SubscriptionID: sub.ID,
			Event:          event,
			Payload:        payload,
			Status:         DeliveryPending,
			NextRetryAt:    now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.store.Enqueue(ctx, d); err != nil {
			return err
		}
	}
	return nil
}
