// Package metrics provides Prometheus instrumentation for the Taskbay platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskbay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskbay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionTransitionsTotal counts task transaction state transitions by event.
	TransactionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskbay",
			Name:      "transaction_transitions_total",
			Help:      "Total transaction state transitions by event name.",
		},
		[]string{"event"},
	)

	// EscrowsTotal counts escrow status changes.
	EscrowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskbay",
			Name:      "escrows_total",
			Help:      "Total escrow status changes by status.",
		},
		[]string{"status"},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskbay",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook delivery attempts by result.",
		},
		[]string{"result"},
	)

	// ActivePushClients tracks connected WebSocket push clients.
	ActivePushClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskbay",
			Name:      "active_push_clients",
			Help:      "Number of currently connected WebSocket push clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskbay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskbay", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskbay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskbay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// EscrowVerifiedTotal counts escrows confirmed on-chain by the verifier.
	EscrowVerifiedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskbay",
		Name:      "escrow_verified_total",
		Help:      "Total escrows verified on-chain.",
	})

	// EscrowExpiredTotal counts escrows aged out by the verifier.
	EscrowExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskbay",
		Name:      "escrow_expired_total",
		Help:      "Total escrows expired before funding completed.",
	})

	// EscrowSettleDuration observes time from escrow creation to resolution.
	EscrowSettleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskbay",
		Name:      "escrow_settle_duration_seconds",
		Help:      "Time from escrow creation to resolution in seconds.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 86400},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionTransitionsTotal,
		EscrowsTotal,
		WebhookDeliveriesTotal,
		ActivePushClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
		EscrowVerifiedTotal,
		EscrowExpiredTotal,
		EscrowSettleDuration,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus scrape endpoint as a gin handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket collapses status codes into class buckets (2xx, 4xx, ...)
// to keep label cardinality low.
func statusBucket(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
