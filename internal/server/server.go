// Package server wires the escrow service together and runs the HTTP API.
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

	"github.com/quaymarket/quay/internal/auth"
	"github.com/quaymarket/quay/internal/config"
	"github.com/quaymarket/quay/internal/dispute"
	"github.com/quaymarket/quay/internal/escrow"
	"github.com/quaymarket/quay/internal/funds"
	"github.com/quaymarket/quay/internal/health"
	"github.com/quaymarket/quay/internal/logging"
	"github.com/quaymarket/quay/internal/metrics"
	"github.com/quaymarket/quay/internal/notify"
	"github.com/quaymarket/quay/internal/ratelimit"
	"github.com/quaymarket/quay/internal/reconcile"
	"github.com/quaymarket/quay/internal/reputation"
	"github.com/quaymarket/quay/internal/security"
	"github.com/quaymarket/quay/internal/validation"
)

// Version reported by /version and the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg          *config.Config
	db           *sql.DB // nil in memory mode
	provider     funds.Provider
	engine       *escrow.Engine
	sweeper      *escrow.Sweeper
	reconciler   *reconcile.Reconciler
	disputes     *dispute.Service
	reputation   *reputation.Service
	hub          *notify.Hub
	webhookStore notify.WebhookStore
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProvider injects a funds provider, overriding the configured backend.
// Used by tests.
func WithProvider(p funds.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a server instance with storage, funds backend, engine, and
// background workers wired per configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		escrowStore  escrow.Store
		disputeStore dispute.Store
		repStore     reputation.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		repStore = reputation.NewPostgresStore(db)
		s.webhookStore = notify.NewWebhookPostgresStore(db)
		s.checks.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		repStore = reputation.NewMemoryStore()
		s.webhookStore = notify.NewWebhookMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Funds backend, unless a provider was injected.
	if s.provider == nil {
		provider, err := newProvider(cfg, s.db)
		if err != nil {
			return nil, err
		}
		s.provider = provider
	}
	s.logger.Info("funds backend ready", "backend", s.provider.Name())

	s.reputation = reputation.NewService(repStore)

	// Notification sinks: structured log always, live WebSocket hub, and
	// signed webhooks to registered subscriptions.
	s.hub = notify.NewHub(s.logger)
	sink := notify.NewMulti(
		notify.NewLogSink(s.logger),
		s.hub,
		notify.NewWebhookSink(s.webhookStore, s.logger),
	)

	s.engine = escrow.NewEngine(escrowStore, s.provider,
		escrow.WithLogger(s.logger),
		escrow.WithOracle(s.reputation),
		escrow.WithSink(sink),
		escrow.WithAutoReleaseAfter(cfg.AutoReleaseAfter),
		escrow.WithFundingTimeout(cfg.FundingTimeout),
		escrow.WithTransferTimeout(cfg.TransferTimeout),
		escrow.WithAutoResolveDays(cfg.AutoResolveDays),
		escrow.WithReputationFloor(cfg.ReputationFloor),
		escrow.WithRequiredSignatures(cfg.RequiredSignatures),
	)

	s.disputes = dispute.NewService(disputeStore, s.engine, s.logger)

	s.sweeper = escrow.NewSweeper(s.engine, cfg.SweepInterval, s.logger)
	s.reconciler = reconcile.New(escrowStore, s.provider, s.disputes, 5*cfg.SweepInterval, s.logger)
	s.checks.Register("sweeper", health.Worker("sweeper", s.sweeper.Running))
	s.checks.Register("reconciler", health.Worker("reconciler", s.reconciler.Running))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// newProvider builds the configured funds backend. The chain backend gets a
// database-backed idempotency ledger when one is available, so submitted
// transaction hashes survive process restarts.
func newProvider(cfg *config.Config, db *sql.DB) (funds.Provider, error) {
	switch cfg.FundsBackend {
	case "stripe":
		return funds.NewStripeProvider(cfg.StripeAPIKey), nil
	case "chain":
		var opts []funds.ChainOption
		if db != nil {
			opts = append(opts, funds.WithTransferLog(funds.NewPostgresTransferLog(db)))
		}
		return funds.NewChainProvider(funds.ChainConfig{
			RPCURL:        cfg.RPCURL,
			PrivateKey:    cfg.PrivateKey,
			ChainID:       cfg.ChainID,
			TokenContract: cfg.TokenContract,
		}, opts...)
	default:
		return funds.NewMemoryProvider(), nil
	}
}

// maskDSN hides the password in a connection string for logging.
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

	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limitCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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
	s.router.GET("/version", s.versionHandler)

	// WebSocket for live escrow notifications
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	escrowHandler := escrow.NewHandler(s.engine)
	disputeHandler := dispute.NewHandler(s.disputes)
	webhookHandler := notify.NewHandler(s.webhookStore)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.cfg.APIKeyHash, s.cfg.AdminKeyHash))

	// Escrow read endpoints: callers still need a valid key (middleware
	// identifies them) but reads are allowed without an acting user.
	escrowHandler.RegisterRoutes(v1)

	// Mutating endpoints and dispute reads require a key plus the acting
	// user's identity.
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	escrowHandler.RegisterProtectedRoutes(protected)
	disputeHandler.RegisterProtectedRoutes(protected)
	webhookHandler.RegisterProtectedRoutes(protected)

	// Admin surface: dispute adjudication, sweep triggers, oracle ingestion.
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin())
	disputeHandler.RegisterAdminRoutes(admin)
	admin.POST("/sweep/releases", s.sweepHandler(s.engine.ProcessAutoRelease))
	admin.POST("/sweep/resolutions", s.sweepHandler(s.engine.ProcessAutoResolutions))
	admin.POST("/sweep/funding-retries", s.sweepHandler(s.engine.RetryPendingFunding))
	admin.POST("/sweep/expirations", s.sweepHandler(s.engine.CancelExpiredFunding))
	admin.POST("/sweep/splits", s.sweepHandler(s.engine.FinishStuckSplits))
	admin.POST("/reconcile", s.reconcileHandler)
	admin.POST("/ratings", s.recordRatingHandler)

	// Dev-mode custody ledger seeding, memory backend only.
	if mem, ok := s.provider.(*funds.MemoryProvider); ok {
		admin.POST("/deposits", s.depositHandler(mem))
	}
}

// sweepHandler exposes one engine sweep as an on-demand admin endpoint.
func (s *Server) sweepHandler(job func(context.Context, int) (int, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := job(c.Request.Context(), 100)
		if err != nil {
			logging.L(c.Request.Context()).Error("manual sweep failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "sweep failed",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"processed": n})
	}
}

func (s *Server) reconcileHandler(c *gin.Context) {
	s.reconciler.Run(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

// recordRatingHandler ingests a post-completion rating into the reputation
// oracle's event store.
func (s *Server) recordRatingHandler(c *gin.Context) {
	var req struct {
		UserID   string  `json:"userId" binding:"required"`
		Rating   float64 `json:"rating"`
		EscrowID string  `json:"escrowId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId, rating, and escrowId are required",
		})
		return
	}
	if !validation.IsValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId must be a valid user id",
		})
		return
	}

	if err := s.reputation.Record(c.Request.Context(), req.UserID, req.Rating, req.EscrowID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "recorded"})
}

// depositHandler credits a custody account on the in-memory backend so a
// buyer can fund escrows in dev mode.
func (s *Server) depositHandler(mem *funds.MemoryProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Account string `json:"account" binding:"required"`
			Amount  int64  `json:"amount" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.Amount <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "account and a positive amount are required",
			})
			return
		}

		mem.Credit(req.Account, req.Amount)
		c.JSON(http.StatusOK, gin.H{
			"account": req.Account,
			"balance": mem.Balance(req.Account),
		})
	}
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   Version,
		"checks":    statuses,
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

func (s *Server) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "quay",
		"version": Version,
		"backend": s.provider.Name(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, blocking until a
// shutdown signal or a server error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"backend", s.provider.Name(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.sweeper.Start(runCtx)
	go s.reconciler.Start(runCtx)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark ready after a brief startup delay.
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.sweeper.Stop()
	s.reconciler.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if closer, ok := s.provider.(interface{ Close() }); ok {
		closer.Close()
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
