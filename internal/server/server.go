// Package server wires the marketplace services together and runs the HTTP API.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/taskbay/taskbay/internal/agents"
	"github.com/taskbay/taskbay/internal/auth"
	"github.com/taskbay/taskbay/internal/chain"
	"github.com/taskbay/taskbay/internal/config"
	"github.com/taskbay/taskbay/internal/escrow"
	"github.com/taskbay/taskbay/internal/ledger"
	"github.com/taskbay/taskbay/internal/listings"
	"github.com/taskbay/taskbay/internal/logging"
	"github.com/taskbay/taskbay/internal/metrics"
	"github.com/taskbay/taskbay/internal/notify"
	"github.com/taskbay/taskbay/internal/ratelimit"
	"github.com/taskbay/taskbay/internal/realtime"
	"github.com/taskbay/taskbay/internal/security"
	"github.com/taskbay/taskbay/internal/traces"
	"github.com/taskbay/taskbay/internal/transactions"
	"github.com/taskbay/taskbay/internal/validation"
	"github.com/taskbay/taskbay/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and all marketplace services
type Server struct {
	cfg *config.Config

	agents       *agents.Service
	listings     *listings.Service
	ledger       *ledger.Ledger
	transactions *transactions.Service
	escrows      *escrow.Service
	notifier     *notify.Service
	webhooks     *webhooks.Service
	authMgr      *auth.Manager

	hub            *realtime.Hub
	webhookEngine  *webhooks.Engine
	escrowVerifier *escrow.Verifier
	chainClient    *chain.Verifier
	paymentChecker escrow.PaymentChecker
	rateLimiter    *ratelimit.Limiter

	db             *sql.DB // nil when using in-memory stores
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithPaymentChecker injects an escrow payment checker (for testing)
func WithPaymentChecker(checker escrow.PaymentChecker) Option {
	return func(s *Server) {
		s.paymentChecker = checker
	}
}

// New creates a server instance with all services wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger or inject a payment checker)
	for _, opt := range opts {
		opt(s)
	}

	// Per-domain stores: Postgres when DATABASE_URL is set, in-memory otherwise
	var (
		agentStore    agents.Store
		listingStore  listings.Store
		ledgerStore   ledger.Store
		txnStore      transactions.Store
		escrowStore   escrow.Store
		webhookStore  webhooks.Store
		activityStore notify.Store
		authStore     auth.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		agentStore = agents.NewPostgresStore(db)
		listingStore = listings.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		txnStore = transactions.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		activityStore = notify.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		agentStore = agents.NewMemoryStore()
		listingStore = listings.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		txnStore = transactions.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
		activityStore = notify.NewMemoryStore()
		authStore = auth.NewMemoryStore()
	}

	s.authMgr = auth.NewManager(authStore)
	s.ledger = ledger.New(ledgerStore, cfg.DailyDripAmount)
	s.agents = agents.NewService(agentStore)
	s.listings = listings.NewService(listingStore)
	s.webhooks = webhooks.NewService(webhookStore)
	s.hub = realtime.NewHub(s.logger)

	s.notifier = notify.New(activityStore, s.hub, s.webhooks, s.listings, s.agents, s.logger)
	s.transactions = transactions.NewService(txnStore, s.ledger, s.listings, s.agents, s.notifier)
	s.escrows = escrow.NewService(escrowStore, s.transactions, s.agents,
		cfg.PlatformFeeBps, cfg.EscrowReleaseBonus)

	s.webhookEngine = webhooks.NewEngine(webhookStore,
		cfg.WebhookMaxAttempts, cfg.WebhookDisableStreak, s.logger)

	// On-chain verifier for escrow funding. Without a platform deposit
	// address there is nothing to verify against; escrows then stay funded
	// until resolved manually.
	if s.paymentChecker != nil {
		s.escrowVerifier = escrow.NewVerifier(s.escrows, s.paymentChecker, cfg.PlatformAddress, s.logger)
	} else if cfg.PlatformAddress != "" && cfg.RPCURL != "" {
		verifier, err := chain.Dial(context.Background(), cfg.RPCURL, cfg.ChainID, cfg.USDCContract)
		if err != nil {
			s.logger.Warn("chain RPC unavailable, escrow verification disabled", "error", err)
		} else {
			s.chainClient = verifier
			s.escrowVerifier = escrow.NewVerifier(s.escrows, verifier, cfg.PlatformAddress, s.logger)
			s.logger.Info("escrow verification enabled",
				"chain", cfg.Chain, "usdc", cfg.USDCContract, "deposit", cfg.PlatformAddress)
		}
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides the password in a connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honor an existing request ID (from a load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")

	// Public routes: discovery, registration, reads
	v1.GET("/platform", s.platformHandler)

	agentsHandler := agents.NewHandler(s.agents, &keyIssuer{s.authMgr}, &registrationBonuses{s.ledger, s.cfg.RegistrationBonus})
	agentsHandler.RegisterRoutes(v1)

	listingsHandler := listings.NewHandler(s.listings)
	v1.GET("/listings", listingsHandler.List)
	v1.GET("/listings/:id", listingsHandler.Get)

	ledgerHandler := ledger.NewHandler(s.ledger)
	v1.GET("/agents/:id/balance", ledgerHandler.GetBalance)
	v1.GET("/agents/:id/ledger", ledgerHandler.GetHistory)

	notifyHandler := notify.NewHandler(s.notifier)
	notifyHandler.RegisterPublicRoutes(v1)

	authHandler := auth.NewHandler(s.authMgr)
	v1.GET("/auth/info", authHandler.Info)

	// Protected routes: everything that acts as an agent.
	// The ledger doubles as the activity drip on authenticated requests.
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr, s.ledger), auth.RequireAuth(s.authMgr))
	{
		// Agent mutations require owning the agent
		protected.PATCH("/agents/:id", auth.RequireOwnership(s.authMgr, "id"), agentsHandler.Update)
		protected.POST("/agents/:id/claim", auth.RequireOwnership(s.authMgr, "id"), agentsHandler.Claim)
		protected.DELETE("/agents/:id", auth.RequireOwnership(s.authMgr, "id"), agentsHandler.Deactivate)

		// Listing management; the authenticated agent is always the owner
		protected.POST("/listings", func(c *gin.Context) {
			listingsHandler.Create(auth.GetAuthenticatedAgent(c), c)
		})
		protected.PATCH("/listings/:id", func(c *gin.Context) {
			listingsHandler.Update(auth.GetAuthenticatedAgent(c), c)
		})
		protected.DELETE("/listings/:id", func(c *gin.Context) {
			listingsHandler.Delete(auth.GetAuthenticatedAgent(c), c)
		})

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.GET("/auth/me", authHandler.GetCurrentAgent)

		transactions.NewHandler(s.transactions).RegisterRoutes(protected)
		escrow.NewHandler(s.escrows).RegisterRoutes(protected)
		webhooks.NewHandler(s.webhooks, s.ledger, s.cfg.WebhookTestBonus,
			ledger.ReasonWebhookTestBonus).RegisterRoutes(protected)
		notifyHandler.RegisterRoutes(protected)
		realtime.NewHandler(s.hub).RegisterRoutes(protected)
	}

	// Admin routes, gated on the X-Admin-Secret header
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		admin.POST("/credits", ledgerHandler.Adjust)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"push":      s.hub.Stats(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Taskbay",
		"description": "Task marketplace for autonomous agents",
		"version":     "0.1.0",
		"chain":       s.cfg.Chain,
		"currency":    "USDC",
	})
}

// platformHandler returns platform info including the escrow deposit address
func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":           "Taskbay",
			"version":        "0.1.0",
			"chain":          s.cfg.Chain,
			"chainId":        s.cfg.ChainID,
			"usdcContract":   s.cfg.USDCContract,
			"depositAddress": s.cfg.PlatformAddress,
			"platformFeeBps": s.cfg.PlatformFeeBps,
		},
		"instructions": gin.H{
			"register": "POST /v1/agents with {name} to receive an API key and the signup credit bonus.",
			"credits":  "Ledger-settled tasks move credits instantly on completion.",
			"escrow":   "USDC-settled tasks: create the escrow, send USDC to depositAddress, then POST the tx hash to /v1/escrows/{id}/fund.",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and all background workers, blocking until
// shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no endpoint configured)
	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("trace exporter init failed", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.webhookEngine.Start(runCtx)

	if s.escrowVerifier != nil {
		go s.escrowVerifier.Start(runCtx)
	}

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and its workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop background goroutines (hub, webhook engine, escrow verifier)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.webhookEngine.Stop()
	if s.escrowVerifier != nil {
		s.escrowVerifier.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.chainClient != nil {
		s.chainClient.Close()
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers & adapters
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// keyIssuer adapts auth.Manager to agents.KeyIssuer
type keyIssuer struct {
	m *auth.Manager
}

func (k *keyIssuer) IssueKey(ctx context.Context, agentID string) (string, error) {
	rawKey, _, err := k.m.GenerateKey(ctx, agentID, "Primary key")
	return rawKey, err
}

// registrationBonuses adapts the ledger to agents.BonusGranter
type registrationBonuses struct {
	l      *ledger.Ledger
	amount int64
}

func (b *registrationBonuses) GrantRegistrationBonus(ctx context.Context, agentID string) error {
	if b.amount <= 0 {
		return nil
	}
	return b.l.AddCredits(ctx, agentID, b.amount, ledger.ReasonRegistrationBonus, "signup bonus")
}
