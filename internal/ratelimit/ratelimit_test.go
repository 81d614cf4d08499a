package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newLimiter(t *testing.T, rpm, burst int) *Limiter {
	t.Helper()
	l := New(Config{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
	})
	t.Cleanup(l.Stop)
	return l
}

func TestAllowBurstThenDeny(t *testing.T) {
	l := newLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		if !l.Allow("ip-1") {
			t.Fatalf("request %d within burst should be allowed", i)
		}
	}
	if l.Allow("ip-1") {
		t.Error("request past the burst should be denied")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := newLimiter(t, 600, 1) // 10 tokens/sec

	if !l.Allow("k") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("k") {
		t.Fatal("second immediate request should be denied")
	}

	time.Sleep(110 * time.Millisecond)

	if !l.Allow("k") {
		t.Error("request after refill window should be allowed")
	}
}

func TestClientsAreIsolated(t *testing.T) {
	l := newLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		l.Allow("agent-a")
	}
	if l.Allow("agent-a") {
		t.Error("agent-a should be exhausted")
	}
	if !l.Allow("agent-b") {
		t.Error("agent-b has its own bucket")
	}
}

func TestEvictIdleDropsStaleBuckets(t *testing.T) {
	l := newLimiter(t, 60, 3)

	l.Allow("stale")
	l.mu.Lock()
	l.buckets["stale"].seen = time.Now().Add(-10 * time.Minute)
	l.mu.Unlock()

	l.evictIdle(2 * time.Minute)

	l.mu.Lock()
	_, ok := l.buckets["stale"]
	l.mu.Unlock()
	if ok {
		t.Error("stale bucket should have been evicted")
	}
}

func TestMiddlewareKeysOnAPIKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newLimiter(t, 60, 1)

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(authz string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		r.ServeHTTP(w, req)
		return w.Code
	}

	// Two keys from the same IP get separate buckets
	if code := do("Bearer sk_agent_one"); code != http.StatusOK {
		t.Fatalf("first key: %d", code)
	}
	if code := do("Bearer sk_agent_two"); code != http.StatusOK {
		t.Fatalf("second key: %d", code)
	}
	// Exhausted key gets 429
	if code := do("Bearer sk_agent_one"); code != http.StatusTooManyRequests {
		t.Errorf("repeat on exhausted key: %d, want 429", code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 || cfg.CleanupInterval != time.Minute {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
