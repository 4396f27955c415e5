// Package server sets up the HTTP server with all routes
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

	"github.com/tokenbook/tokenbook/internal/booking"
	"github.com/tokenbook/tokenbook/internal/config"
	"github.com/tokenbook/tokenbook/internal/dispute"
	"github.com/tokenbook/tokenbook/internal/health"
	"github.com/tokenbook/tokenbook/internal/identity"
	"github.com/tokenbook/tokenbook/internal/ledger"
	"github.com/tokenbook/tokenbook/internal/logging"
	"github.com/tokenbook/tokenbook/internal/metrics"
	"github.com/tokenbook/tokenbook/internal/notify"
	"github.com/tokenbook/tokenbook/internal/payments"
	"github.com/tokenbook/tokenbook/internal/ratelimit"
	"github.com/tokenbook/tokenbook/internal/rating"
	"github.com/tokenbook/tokenbook/internal/security"
	"github.com/tokenbook/tokenbook/internal/ticket"
	"github.com/tokenbook/tokenbook/internal/traces"
	"github.com/tokenbook/tokenbook/internal/validation"
	"github.com/tokenbook/tokenbook/internal/withdrawal"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	identity    *identity.Service
	ledger      *ledger.Ledger
	bookings    *booking.Service
	disputes    *dispute.Service
	withdrawals *withdrawal.Service
	tickets     *ticket.Service
	ratings     *rating.Service
	payments    *payments.Service
	notifier    *notify.Dispatcher
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	shutdownTracer func(context.Context) error
	cancelRunCtx   context.CancelFunc

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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

		identityStore := identity.NewPostgresStore(db)
		if err := identityStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate identity store", "error", err)
		}
		s.identity = identity.NewService(identityStore)

		ledgerStore := ledger.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		s.ledger = ledger.New(ledgerStore)

		notifyStore := notify.NewPostgresStore(db)
		if err := notifyStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate webhook store", "error", err)
		}
		s.notifier = notify.NewDispatcher(notifyStore)

		bookingStore := booking.NewPostgresStore(db)
		if err := bookingStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate booking store", "error", err)
		}
		s.bookings = booking.NewService(bookingStore, s.ledger).WithNotifier(s.notifier)

		disputeStore := dispute.NewPostgresStore(db)
		if err := disputeStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate dispute store", "error", err)
		}
		s.disputes = dispute.NewService(disputeStore, s.ledger, s.bookings).WithNotifier(s.notifier)

		withdrawalStore := withdrawal.NewPostgresStore(db)
		if err := withdrawalStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate withdrawal store", "error", err)
		}
		s.withdrawals = withdrawal.NewService(withdrawalStore, s.ledger,
			cfg.MinWithdrawal, cfg.WithdrawalFeePct, cfg.TokenRateINR).WithNotifier(s.notifier)

		ticketStore := ticket.NewPostgresStore(db)
		if err := ticketStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ticket store", "error", err)
		}
		s.tickets = ticket.NewService(ticketStore)

		ratingStore := rating.NewPostgresStore(db)
		if err := ratingStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate rating store", "error", err)
		}
		s.ratings = rating.NewService(ratingStore, s.bookings)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		s.identity = identity.NewService(identity.NewMemoryStore())
		s.ledger = ledger.New(ledger.NewMemoryStore())
		s.notifier = notify.NewDispatcher(notify.NewMemoryStore())
		s.bookings = booking.NewService(booking.NewMemoryStore(), s.ledger).WithNotifier(s.notifier)
		s.disputes = dispute.NewService(dispute.NewMemoryStore(), s.ledger, s.bookings).WithNotifier(s.notifier)
		s.withdrawals = withdrawal.NewService(withdrawal.NewMemoryStore(), s.ledger,
			cfg.MinWithdrawal, cfg.WithdrawalFeePct, cfg.TokenRateINR).WithNotifier(s.notifier)
		s.tickets = ticket.NewService(ticket.NewMemoryStore())
		s.ratings = rating.NewService(rating.NewMemoryStore(), s.bookings)
	}

	s.payments = payments.NewService(s.ledger, payments.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		RateINR:       cfg.TokenRateINR,
		MinTokens:     cfg.MinTokenPurchase,
		MaxTokens:     cfg.MaxTokenPurchase,
		SuccessURL:    "https://tokenbook.example/purchase/success",
		CancelURL:     "https://tokenbook.example/purchase/cancel",
	})
	if s.payments.Configured() {
		s.logger.Info("stripe payments enabled")
	} else {
		s.logger.Info("stripe not configured, checkouts run in demo mode")
	}

	// Tracing (no-op without an OTLP endpoint)
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTracer = shutdown
	}

	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := s.db.PingContext(pingCtx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		})
	}
	s.checks.Register("payments", func(ctx context.Context) health.Status {
		if s.payments.Configured() {
			return health.Status{Name: "payments", Healthy: true}
		}
		return health.Status{Name: "payments", Healthy: true, Detail: "demo mode"}
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides password in connection string for logging
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	identityHandler := identity.NewHandlers(s.identity)
	ledgerHandler := ledger.NewHandlers(s.ledger)
	bookingHandler := booking.NewHandlers(s.bookings)
	disputeHandler := dispute.NewHandlers(s.disputes)
	withdrawalHandler := withdrawal.NewHandlers(s.withdrawals)
	ticketHandler := ticket.NewHandlers(s.tickets)
	ratingHandler := rating.NewHandlers(s.ratings)
	paymentHandler := payments.NewHandlers(s.payments)
	notifyHandler := notify.NewHandlers(s.notifier)

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())
	v1.Use(identity.Middleware(s.identity))

	// PUBLIC ROUTES (no auth required)
	v1.POST("/users/register", identityHandler.Register)
	v1.GET("/platform", s.platformHandler)

	// Stripe webhook: unauthenticated, verified by signature
	v1.POST("/payments/webhook", paymentHandler.Webhook)

	// First-admin bootstrap, guarded by the shared admin secret
	v1.POST("/admin/bootstrap", s.bootstrapAdminHandler)

	// Public provider reputation
	v1.GET("/users/:id/ratings", ratingHandler.ListForUser)

	// AUTHENTICATED ROUTES
	authed := v1.Group("")
	authed.Use(identity.RequireAuth())
	{
		// Identity
		authed.GET("/users/me", identityHandler.Me)
		authed.GET("/users/:id", identity.RequireSelfOrStaff("id"), identityHandler.GetUser)
		authed.POST("/users/me/keys", identityHandler.RotateKey)

		// Wallet and ledger
		authed.GET("/wallet", ledgerHandler.GetWallet)
		authed.GET("/wallet/transactions", ledgerHandler.GetHistory)

		// Token purchases
		authed.POST("/payments/checkout", paymentHandler.CreateCheckout)

		// Bookings
		authed.POST("/bookings", bookingHandler.Create)
		authed.GET("/bookings", bookingHandler.List)
		authed.GET("/bookings/:id", bookingHandler.Get)
		authed.POST("/bookings/:id/status", bookingHandler.UpdateStatus)

		// Disputes
		authed.POST("/disputes", disputeHandler.File)
		authed.GET("/disputes", disputeHandler.List)
		authed.GET("/disputes/:id", disputeHandler.Get)
		authed.POST("/disputes/:id/appeal", disputeHandler.Appeal)

		// Withdrawals
		authed.POST("/withdrawals", withdrawalHandler.Request)
		authed.GET("/withdrawals", withdrawalHandler.List)
		authed.GET("/withdrawals/:id", withdrawalHandler.Get)
		authed.POST("/withdrawals/:id/cancel", withdrawalHandler.Cancel)

		// Support tickets
		authed.POST("/tickets", ticketHandler.Create)
		authed.GET("/tickets", ticketHandler.List)
		authed.GET("/tickets/:id", ticketHandler.Get)
		authed.POST("/tickets/:id/reply", ticketHandler.Reply)
		authed.POST("/tickets/:id/close", ticketHandler.Close)

		// Ratings
		authed.POST("/ratings", ratingHandler.Create)
		authed.POST("/ratings/:id/respond", ratingHandler.Respond)

		// Webhook subscriptions
		authed.POST("/webhooks", notifyHandler.Subscribe)
		authed.GET("/webhooks", notifyHandler.List)
		authed.DELETE("/webhooks/:id", notifyHandler.Unsubscribe)
	}

	// STAFF ROUTES (employee and above)
	staff := v1.Group("")
	staff.Use(identity.RequireAuth(), identity.RequireRole(identity.RoleEmployee))
	{
		staff.POST("/disputes/:id/assign", disputeHandler.Assign)
		staff.POST("/disputes/:id/resolve", disputeHandler.Resolve)
		staff.POST("/withdrawals/:id/approve", withdrawalHandler.Approve)
		staff.POST("/withdrawals/:id/reject", withdrawalHandler.Reject)
		staff.POST("/withdrawals/:id/process", withdrawalHandler.Process)
		staff.POST("/withdrawals/:id/complete", withdrawalHandler.Complete)
		staff.POST("/tickets/:id/assign", ticketHandler.Assign)
		staff.POST("/tickets/:id/resolve", ticketHandler.Resolve)
	}

	// MANAGER ROUTES
	managers := v1.Group("")
	managers.Use(identity.RequireAuth(), identity.RequireRole(identity.RoleManager))
	{
		managers.POST("/disputes/:id/close", disputeHandler.CloseAppeal)
	}

	// ADMIN ROUTES
	admin := v1.Group("/admin")
	admin.Use(identity.RequireAuth(), identity.RequireRole(identity.RoleAdmin))
	{
		admin.GET("/wallets/:id", ledgerHandler.GetUserWallet)
		admin.POST("/reconcile/:id", ledgerHandler.Reconcile)
		admin.PUT("/users/:id/role", identityHandler.SetRole)
		admin.POST("/users/:id/verify", identityHandler.Verify)
	}
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Tokenbook",
		"description": "Token escrow backend for service bookings",
		"version":     "0.1.0",
		"currency":    "tokens",
	})
}

// bootstrapAdminHandler promotes a user to ADMIN when the caller presents
// the shared admin secret. Further role changes go through /v1/admin.
func (s *Server) bootstrapAdminHandler(c *gin.Context) {
	if s.cfg.AdminSecret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "not_configured",
			"message": "admin bootstrap is disabled",
		})
		return
	}
	if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "invalid admin secret",
		})
		return
	}

	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	user, err := s.identity.SetRole(c.Request.Context(), req.UserID, identity.RoleAdmin)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "promotion failed"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// platformHandler returns the published platform terms
func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":    "Tokenbook",
			"version": "0.1.0",
		},
		"terms": gin.H{
			"tokenRateInr":        s.cfg.TokenRateINR,
			"withdrawalFeePct":    s.cfg.WithdrawalFeePct,
			"minWithdrawalTokens": s.cfg.MinWithdrawal,
			"minTokenPurchase":    s.cfg.MinTokenPurchase,
			"maxTokenPurchase":    s.cfg.MaxTokenPurchase,
		},
	})
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

// Run starts the HTTP server with graceful shutdown
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTracer != nil {
		if err := s.shutdownTracer(ctx); err != nil {
			s.logger.Warn("tracer shutdown error", "error", err)
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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
