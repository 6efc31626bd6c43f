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

	"github.com/ayodele/kobohold/internal/auth"
	"github.com/ayodele/kobohold/internal/booking"
	"github.com/ayodele/kobohold/internal/config"
	"github.com/ayodele/kobohold/internal/escrow"
	"github.com/ayodele/kobohold/internal/gateway"
	"github.com/ayodele/kobohold/internal/health"
	"github.com/ayodele/kobohold/internal/logging"
	"github.com/ayodele/kobohold/internal/metrics"
	"github.com/ayodele/kobohold/internal/money"
	"github.com/ayodele/kobohold/internal/notify"
	"github.com/ayodele/kobohold/internal/ratelimit"
	"github.com/ayodele/kobohold/internal/realtime"
	"github.com/ayodele/kobohold/internal/security"
	"github.com/ayodele/kobohold/internal/traces"
	"github.com/ayodele/kobohold/internal/validation"
	"github.com/ayodele/kobohold/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	ledger         *wallet.Ledger
	bookings       *booking.Service
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	gatewayService *gateway.Service
	authMgr        *auth.Manager
	dispatcher     *notify.Dispatcher
	notifyStore    notify.Store
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	healthReg      *health.Registry
	tracesShutdown func(context.Context) error
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may replace the logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	var (
		escrowStore  escrow.Store
		walletStore  wallet.Store
		bookingStore booking.Store
		captureStore gateway.Store
		notifyStore  notify.Store
		authStore    auth.Store
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		es := escrow.NewPostgresStore(db)
		if err := es.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate escrow store", "error", err)
		}
		escrowStore = es

		ws := wallet.NewPostgresStore(db)
		if err := ws.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate wallet store", "error", err)
		}
		walletStore = ws

		bs := booking.NewPostgresStore(db)
		if err := bs.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate booking store", "error", err)
		}
		bookingStore = bs

		cs := gateway.NewPostgresStore(db)
		if err := cs.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate capture store", "error", err)
		}
		captureStore = cs

		ns := notify.NewPostgresStore(db)
		if err := ns.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate notify store", "error", err)
		}
		notifyStore = ns

		as := auth.NewPostgresStore(db)
		if err := as.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		authStore = as

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		escrowStore = escrow.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
		bookingStore = booking.NewMemoryStore()
		captureStore = gateway.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
		authStore = auth.NewMemoryStore()
	}

	// API keys
	s.authMgr = auth.NewManager(authStore)
	s.logger.Info("API authentication enabled")

	// Webhook notifications
	s.notifyStore = notifyStore
	s.dispatcher = notify.NewDispatcher(notifyStore, s.logger).
		WithSigningSecret(cfg.NotifySigningSecret)
	s.logger.Info("webhook notifications enabled")

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Wallet ledger with event fanout
	fanout := &eventFanout{dispatcher: s.dispatcher, hub: s.realtimeHub}
	s.ledger = wallet.New(walletStore).WithNotifier(fanout)
	s.logger.Info("wallet ledger enabled")

	// Bookings
	s.bookings = booking.NewService(bookingStore, booking.Fees{
		Cleaning: money.Kobo(cfg.CleaningFeeKobo),
		Service:  money.Kobo(cfg.ServiceFeeKobo),
	})

	// Escrow state machine
	s.escrowService = escrow.NewService(escrowStore, &escrowLedgerAdapter{s.ledger}, s.logger).
		WithTiming(cfg.ConfirmWindow, cfg.RequestCooldown).
		WithBookings(s.bookings).
		WithNotifier(fanout)
	s.escrowTimer = escrow.NewTimer(s.escrowService, escrowStore, s.logger)
	s.logger.Info("escrow enabled",
		"confirmWindow", cfg.ConfirmWindow,
		"requestCooldown", cfg.RequestCooldown,
	)

	// Payment gateway capture intake
	s.gatewayService = gateway.NewService(captureStore, s.escrowService, s.bookings, s.logger)
	if cfg.GatewayWebhookSecret == "" {
		s.logger.Warn("gateway webhook secret not set, captures are unsigned")
	}

	// Configure gin
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/", s.infoHandler)

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	escrowHandler := escrow.NewHandler(s.escrowService)
	bookingHandler := booking.NewHandler(s.bookings)
	walletHandler := wallet.NewHandler(s.ledger)
	gatewayHandler := gateway.NewHandler(s.gatewayService, s.cfg.GatewayWebhookSecret)
	notifyHandler := notify.NewHandler(s.notifyStore)
	authHandler := auth.NewHandler(s.authMgr)

	// PUBLIC ROUTES (no auth required)
	// Read endpoints: escrow status, countdowns, balances, ledgers.
	escrowHandler.RegisterRoutes(v1)
	bookingHandler.RegisterRoutes(v1)
	walletHandler.RegisterRoutes(v1)

	// REGISTRATION (public but returns API key)
	authHandler.RegisterRoutes(v1)

	// GATEWAY WEBHOOK (HMAC-authenticated, not Bearer-authenticated)
	gatewayHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require API key)
	// Escrow transitions and booking creation take the caller identity
	// from the validated key.
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		escrowHandler.RegisterProtectedRoutes(protected)
		bookingHandler.RegisterProtectedRoutes(protected)
		authHandler.RegisterProtectedRoutes(protected)
	}

	// OWNED ROUTES (require API key for the :email in the path)
	owned := v1.Group("")
	owned.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr), auth.RequireOwnership(s.authMgr, "email"))
	{
		walletHandler.RegisterProtectedRoutes(owned)
		notifyHandler.RegisterProtectedRoutes(owned)
	}

	// ADMIN ROUTES (operator deposits/withdrawals)
	// RequireAdmin checks X-Admin-Secret (or allows any auth in demo mode).
	admin := v1.Group("")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAdmin())
	{
		walletHandler.RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "KoboHold",
		"description": "Escrow and wallet ledger for short-let bookings",
		"version":     "0.1.0",
		"currency":    "NGN",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Traces (no-op when no OTLP endpoint is configured)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize traces", "error", err)
	} else {
		s.tracesShutdown = shutdown
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start escrow expiry sweep
	go s.escrowTimer.Start(runCtx)

	// Collect DB pool metrics
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	// Cancel the context for all background goroutines (hub, timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop escrow timer
	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("escrow timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Warn("traces shutdown error", "error", err)
		}
	}

	// Close database connection pool
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
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// escrowLedgerAdapter adapts wallet.Ledger to escrow.LedgerService
type escrowLedgerAdapter struct {
	l *wallet.Ledger
}

func (a *escrowLedgerAdapter) ReleaseToHost(ctx context.Context, hostAccount string, amount money.Kobo, reference string) error {
	_, err := a.l.Credit(ctx, hostAccount, amount, wallet.KindTransferIn, reference)
	return err
}

func (a *escrowLedgerAdapter) RefundGuest(ctx context.Context, guestAccount string, amount money.Kobo, reference string) error {
	_, err := a.l.Credit(ctx, guestAccount, amount, wallet.KindTransferOut, reference)
	return err
}

// eventFanout implements escrow.Notifier and wallet.Notifier. It fans
// transition events out to webhook subscriptions and realtime clients.
type eventFanout struct {
	dispatcher *notify.Dispatcher
	hub        *realtime.Hub
}

func (f *eventFanout) Notify(ctx context.Context, event string, r *escrow.Record) {
	data := map[string]interface{}{
		"bookingId":    r.BookingID,
		"guestAccount": r.GuestAccount,
		"hostAccount":  r.HostAccount,
		"amount":       r.Amount,
		"status":       r.Status,
	}
	if r.DeclineReason != "" {
		data["declineReason"] = r.DeclineReason
	}

	// Both parties get the webhook; realtime clients filter themselves.
	f.dispatcher.DispatchToAccount(ctx, r.GuestAccount, notify.EventType(event), data)
	f.dispatcher.DispatchToAccount(ctx, r.HostAccount, notify.EventType(event), data)
	f.hub.BroadcastEvent(event, data)
}

func (f *eventFanout) NotifyWallet(ctx context.Context, event string, e *wallet.Entry) {
	data := map[string]interface{}{
		"entryId":   e.ID,
		"owner":     e.Owner,
		"kind":      e.Kind,
		"amount":    e.Amount,
		"reference": e.Reference,
	}

	f.dispatcher.DispatchToAccount(ctx, e.Owner, notify.EventType(event), data)
	f.hub.BroadcastEvent(event, data)
}
