package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/taskbay/taskbay/internal/auth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubscribeValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	tests := []struct {
		name   string
		url    string
		events []string
		want   error
	}{
		{"empty url", "", []string{"transaction.completed"}, ErrInvalidURL},
		{"not a url", "not a url at all ://", []string{"transaction.completed"}, ErrInvalidURL},
		{"wrong scheme", "ftp://example.com/hook", []string{"transaction.completed"}, ErrInvalidURL},
		{"no events", "https://example.com/hook", nil, ErrInvalidEvents},
		{"bad event name", "https://example.com/hook", []string{"DROP TABLE"}, ErrInvalidEvents},
		{"ok", "https://example.com/hook", []string{"transaction.completed", "*"}, nil},
	}
	for _, tt := range tests {
		_, _, err := svc.Subscribe(ctx, "agt_1", tt.url, tt.events)
		if !errors.Is(err, tt.want) && !(tt.want == nil && err == nil) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestSubscribeReturnsSecretOnce(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	sub, secret, err := svc.Subscribe(ctx, "agt_1", "https://example.com/hook", []string{"*"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !strings.HasPrefix(secret, "whsec_") {
		t.Errorf("secret = %q, want whsec_ prefix", secret)
	}

	// The secret never appears in serialized subscriptions
	data, err := json.Marshal(sub)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), secret) {
		t.Error("secret leaked in JSON")
	}
}

func TestSubscribedMatching(t *testing.T) {
	sub := &Subscription{Events: []string{"transaction.completed", "transaction.delivered"}}
	if !sub.Subscribed("transaction.completed") {
		t.Error("exact match failed")
	}
	if sub.Subscribed("transaction.requested") {
		t.Error("unlisted event matched")
	}
	wild := &Subscription{Events: []string{"*"}}
	if !wild.Subscribed("transaction.anything") {
		t.Error("wildcard did not match")
	}
}

func TestEnqueueFansOutToMatchingSubs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store)

	matching, _, err := svc.Subscribe(ctx, "agt_1", "https://a.example.com/hook", []string{"transaction.completed"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, _, err := svc.Subscribe(ctx, "agt_1", "https://b.example.com/hook", []string{"transaction.requested"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	disabled, _, err := svc.Subscribe(ctx, "agt_1", "https://c.example.com/hook", []string{"transaction.completed"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	inactive := false
	if _, err := svc.Update(ctx, "agt_1", disabled.ID, "", nil, &inactive); err != nil {
		t.Fatalf("disable: %v", err)
	}

	if err := svc.Enqueue(ctx, "agt_1", "transaction.completed", []byte(`{"event":"transaction.completed"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := store.ListDeliveries(ctx, matching.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("matching sub deliveries = %d, want 1", len(got))
	}
	for _, sub := range []*Subscription{other, disabled} {
		got, err := store.ListDeliveries(ctx, sub.ID, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("sub %s got %d deliveries, want 0", sub.ID, len(got))
		}
	}
}

func TestEngineDeliversSignedPayload(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store)

	var mu sync.Mutex
	var gotBody []byte
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub, secret, err := svc.Subscribe(ctx, "agt_1", server.URL, []string{"*"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	payload := []byte(`{"event":"transaction.completed","transactionId":"txn_1","data":{},"timestamp":"2026-01-01T00:00:00Z"}`)
	if err := svc.Enqueue(ctx, "agt_1", "transaction.completed", payload); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	engine := NewEngine(store, 6, 10, testLogger())
	engine.runOnce(ctx)

	deliveries, err := store.ListDeliveries(ctx, sub.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(deliveries) != 1 || deliveries[0].Status != DeliveryDelivered {
		t.Fatalf("delivery = %+v, want delivered", deliveries)
	}
	if deliveries[0].DeliveredAt == nil {
		t.Error("deliveredAt not stamped")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(gotBody) != string(payload) {
		t.Errorf("body = %s, want exact payload", gotBody)
	}
	if gotHeaders.Get("X-Taskbay-Event") != "transaction.completed" {
		t.Errorf("event header = %q", gotHeaders.Get("X-Taskbay-Event"))
	}
	if gotHeaders.Get("X-Taskbay-Delivery") != deliveries[0].ID {
		t.Errorf("delivery header = %q, want %s", gotHeaders.Get("X-Taskbay-Delivery"), deliveries[0].ID)
	}
	// Signature covers the exact body bytes
	if gotHeaders.Get("X-Taskbay-Signature") != Sign(gotBody, secret) {
		t.Error("signature does not verify against the raw body")
	}

	updated, err := store.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get sub: %v", err)
	}
	if updated.LastSuccess == nil || updated.FailStreak != 0 {
		t.Errorf("subscription not updated on success: %+v", updated)
	}
}

func TestEngineReschedulesOnFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sub, _, err := svc.Subscribe(ctx, "agt_1", server.URL, []string{"*"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := svc.Enqueue(ctx, "agt_1", "transaction.completed", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	engine := NewEngine(store, 6, 10, testLogger())
	engine.runOnce(ctx)

	deliveries, err := store.ListDeliveries(ctx, sub.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	d := deliveries[0]
	if d.Status != DeliveryPending || d.Attempts != 1 {
		t.Fatalf("delivery = %s/%d attempts, want pending/1", d.Status, d.Attempts)
	}
	if d.LastError != "status 500" {
		t.Errorf("lastError = %q", d.LastError)
	}
	// First retry lands a ladder step out, not immediately
	wait := time.Until(d.NextRetryAt)
	if wait < 25*time.Second || wait > 35*time.Second {
		t.Errorf("next retry in %v, want ~30s", wait)
	}

	// Not due yet: a second pass claims nothing
	engine.runOnce(ctx)
	deliveries, _ = store.ListDeliveries(ctx, sub.ID, 0)
	if deliveries[0].Attempts != 1 {
		t.Errorf("attempts = %d after premature pass, want 1", deliveries[0].Attempts)
	}

	// A transient failure does not touch the permanent-failure streak
	got, _ := store.GetSubscription(ctx, sub.ID)
	if got.FailStreak != 0 {
		t.Errorf("failStreak = %d, want 0", got.FailStreak)
	}
}

// flakySubStore fails GetSubscription a set number of times before
// delegating, standing in for a database hiccup.
type flakySubStore struct {
	Store
	failures int
}

func (s *flakySubStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("connection reset")
	}
	return s.Store.GetSubscription(ctx, id)
}

func TestEngineKeepsDeliveryOnTransientStoreError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub, _, err := svc.Subscribe(ctx, "agt_1", server.URL, []string{"*"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := svc.Enqueue(ctx, "agt_1", "transaction.completed", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	engine := NewEngine(&flakySubStore{Store: store, failures: 1}, 6, 10, testLogger())
	engine.runOnce(ctx)

	// The store error must not burn the retry budget or fail the
	// delivery; it stays claimed for the reclaim grace.
	deliveries, err := store.ListDeliveries(ctx, sub.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	d := deliveries[0]
	if d.Status != DeliverySending {
		t.Fatalf("status = %s, want sending", d.Status)
	}
	if d.Attempts != 0 || d.LastError != "" {
		t.Errorf("delivery touched: attempts=%d lastError=%q", d.Attempts, d.LastError)
	}

	// Age the claim past the grace; the next pass reclaims and delivers.
	store.mu.Lock()
	store.deliveries[d.ID].UpdatedAt = time.Now().Add(-sendingGrace - time.Minute)
	store.mu.Unlock()

	engine.runOnce(ctx)
	deliveries, _ = store.ListDeliveries(ctx, sub.ID, 0)
	if deliveries[0].Status != DeliveryDelivered {
		t.Errorf("status after reclaim = %s, want delivered", deliveries[0].Status)
	}
}

func TestEngineFailsDeliveryForDeletedSubscription(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store)

	sub, _, err := svc.Subscribe(ctx, "agt_1", "https://example.com/hook", []string{"*"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := svc.Enqueue(ctx, "agt_1", "transaction.completed", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.DeleteSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("delete sub: %v", err)
	}

	engine := NewEngine(store, 6, 10, testLogger())
	engine.runOnce(ctx)

	deliveries, _ := store.ListDeliveries(ctx, sub.ID, 0)
	if deliveries[0].Status != DeliveryFailed {
		t.Errorf("status = %s, want failed for orphaned delivery", deliveries[0].Status)
	}
	if deliveries[0].LastError != "subscription gone" {
		t.Errorf("lastError = %q", deliveries[0].LastError)
	}
}

func TestBackoffLadder(t *testing.T) {
	want := []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute, time.Hour, 4 * time.Hour}
	if len(backoffLadder) != len(want) {
		t.Fatalf("ladder length = %d, want %d", len(backoffLadder), len(want))
	}
	for i, d := range backoffLadder {
		if d != want[i] {
			t.Errorf("ladder[%d] = %v, want %v", i, d, want[i])
		}
	}
}

func TestEnginePermanentFailureBumpsStreakOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sub, _, err := svc.Subscribe(ctx, "agt_1", server.URL, []string{"*"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := svc.Enqueue(ctx, "agt_1", "transaction.completed", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	engine := NewEngine(store, 1, 10, testLogger())
	engine.runOnce(ctx)

	deliveries, _ := store.ListDeliveries(ctx, sub.ID, 0)
	if deliveries[0].Status != DeliveryFailed {
		t.Fatalf("status = %s, want failed", deliveries[0].Status)
	}
	got, _ := store.GetSubscription(ctx, sub.ID)
	if got.FailStreak != 1 {
		t.Fatalf("failStreak = %d, want 1", got.FailStreak)
	}

	// Failed rows are terminal; another pass must not touch them
	engine.runOnce(ctx)
	got, _ = store.GetSubscription(ctx, sub.ID)
	if got.FailStreak != 1 {
		t.Errorf("failStreak = %d after second pass, want 1", got.FailStreak)
	}
}

func TestEngineAutoDisablesAfterStreak(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sub, _, err := svc.Subscribe(ctx, "agt_1", server.URL, []string{"*"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := svc.Enqueue(ctx, "agt_1", "transaction.completed", []byte(`{}`)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	engine := NewEngine(store, 1, 2, testLogger())
	engine.runOnce(ctx)

	got, _ := store.GetSubscription(ctx, sub.ID)
	if got.Active {
		t.Fatalf("subscription still active after streak %d", got.FailStreak)
	}
	if got.FailStreak != 2 {
		t.Errorf("failStreak = %d, want 2", got.FailStreak)
	}
}

func TestClaimDueIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store)

	if _, _, err := svc.Subscribe(ctx, "agt_1", "https://example.com/hook", []string{"*"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := svc.Enqueue(ctx, "agt_1", "transaction.completed", []byte(`{}`)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	first, err := store.ClaimDue(ctx, time.Now(), 50)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(first) != 5 {
		t.Fatalf("claimed %d, want 5", len(first))
	}
	second, err := store.ClaimDue(ctx, time.Now(), 50)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second claim got %d, want 0", len(second))
	}
}

type recordingBonuser struct {
	mu     sync.Mutex
	grants []int64
}

func (b *recordingBonuser) AddCredits(ctx context.Context, agentID string, amount int64, reason, memo string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.grants = append(b.grants, amount)
	return nil
}

func TestTestEndpointGrantsBonusOnce(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	store := NewMemoryStore()
	svc := NewService(store)
	bonuser := &recordingBonuser{}

	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	sub, _, err := svc.Subscribe(ctx, "agt_1", receiver.URL, []string{"*"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	handler := NewHandler(svc, bonuser, 5, "webhook_test_bonus")
	router := gin.New()
	router.Use(func(c *gin.Context) { c.Set(auth.ContextKeyAgentID, "agt_1") })
	handler.RegisterRoutes(router.Group("/v1"))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/"+sub.ID+"/test", nil)
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("test call %d status = %d: %s", i, w.Code, w.Body.String())
		}
	}

	bonuser.mu.Lock()
	defer bonuser.mu.Unlock()
	if len(bonuser.grants) != 1 || bonuser.grants[0] != 5 {
		t.Fatalf("grants = %v, want exactly one grant of 5", bonuser.grants)
	}
}
