// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/murphlabs/murph/internal/catalog"
	"github.com/murphlabs/murph/internal/circuitbreaker"
	"github.com/murphlabs/murph/internal/config"
	"github.com/murphlabs/murph/internal/health"
	"github.com/murphlabs/murph/internal/idgen"
	"github.com/murphlabs/murph/internal/logging"
	"github.com/murphlabs/murph/internal/metrics"
	"github.com/murphlabs/murph/internal/milestone"
	"github.com/murphlabs/murph/internal/paygate"
	"github.com/murphlabs/murph/internal/ratelimit"
	"github.com/murphlabs/murph/internal/reconciliation"
	"github.com/murphlabs/murph/internal/security"
	"github.com/murphlabs/murph/internal/session"
	"github.com/murphlabs/murph/internal/validation"
	"github.com/murphlabs/murph/internal/wallet"
)

// Version is reported by the health endpoint. Set by cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB // nil if using in-memory
	gateway      paygate.Gateway
	breaker      *circuitbreaker.Breaker
	directory    catalog.Store
	sessionStore session.Store
	sessions     *session.Service
	milestones   *milestone.Service
	wallets      *wallet.Service
	gaps         *reconciliation.Recorder
	reaper       *session.Reaper
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

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

// WithGateway sets the raw payment gateway (for testing). It is still
// wrapped with retries and the circuit breaker.
func WithGateway(g paygate.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	var (
		milestoneStore milestone.Store
		gapStore       reconciliation.Store
	)

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
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.directory = catalog.NewPostgresStore(db)
		s.sessionStore = session.NewPostgresStore(db)
		milestoneStore = milestone.NewPostgresStore(db)
		gapStore = reconciliation.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		directory := catalog.NewMemoryStore()
		catalog.SeedDemo(directory)
		s.directory = directory
		s.sessionStore = session.NewMemoryStore()
		milestoneStore = milestone.NewMemoryStore()
		gapStore = reconciliation.NewMemoryStore()
		s.logger.Info("using in-memory storage with demo catalog")
	}

	// Payment gateway
	if s.gateway == nil {
		if cfg.UsesSimulator() {
			s.gateway = paygate.NewSimulator(paygate.WithSimulatorLogger(s.logger))
			s.logger.Warn("using simulated payment gateway; no real money moves")
		} else {
			s.gateway = paygate.NewHTTPClient(cfg.FinternetBase, cfg.FinternetKey, cfg.GatewayTimeout)
			s.logger.Info("payment gateway configured", "base", cfg.FinternetBase)
		}
	}
	s.breaker = circuitbreaker.New(cfg.GatewayBreakerFailures, cfg.GatewayBreakerCooldown)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("gateway circuit changed state", "op", key, "from", from.String(), "to", to.String())
	})
	gateway := paygate.NewResilient(s.gateway,
		paygate.WithRetry(cfg.GatewayMaxRetries, cfg.GatewayRetryDelay),
		paygate.WithBreaker(s.breaker),
		paygate.WithLogger(s.logger),
	)

	// Domain services
	s.gaps = reconciliation.NewRecorder(gapStore, s.logger)
	s.sessions = session.NewService(s.sessionStore, s.directory, gateway, s.gaps, session.Config{
		DefaultReserve: cfg.DefaultReserveAmount,
		MinReserve:     cfg.MinReserveAmount,
	}).WithLogger(s.logger)
	s.milestones = milestone.NewService(milestoneStore, s.sessions, gateway, s.gaps).WithLogger(s.logger)
	s.sessions.WithEscrowOpener(s.milestones)
	s.wallets = wallet.NewService(s.directory, gateway).WithLogger(s.logger)

	if cfg.MaxSessionDuration > 0 {
		s.reaper = session.NewReaper(s.sessions, s.sessionStore, cfg.MaxSessionDuration, cfg.ReaperInterval, s.logger)
		s.logger.Info("stale session reaper enabled", "max_duration", cfg.MaxSessionDuration.String())
	}

	// Health checks
	s.health = health.NewRegistry(3 * time.Second)
	s.health.Register(health.FromPing("catalog", s.directory.Ping))
	s.health.Register(health.FromPing("sessions", s.sessionStore.Ping))
	s.health.Register(health.FromPing("milestones", milestoneStore.Ping))
	s.health.Register(health.FromPing("gateway", gateway.Ping))
	s.health.Register(s.circuitCheck)

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
			"error": gin.H{"message": "internal server error", "code": "INTERNAL_ERROR"},
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = float64(s.cfg.RateLimitRPS)
		rl.BurstSize = 2 * s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream id (load balancer, frontend) when it looks sane.
		requestID := c.GetHeader("X-Request-ID")
		if !validation.IsValidID(requestID) {
			requestID = idgen.Hex()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// loggingMiddleware logs one line per request at a level chosen by status:
// 5xx error, 4xx warn, the rest info.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
			attrs = append(attrs, "client_ip", c.ClientIP(), "errors", c.Errors.String())
		case status >= 400:
			level = slog.LevelWarn
		}
		logging.L(c.Request.Context()).Log(c.Request.Context(), level, "request completed", attrs...)
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("")
	session.NewHandler(s.sessions).RegisterRoutes(api)
	milestone.NewHandler(s.milestones).RegisterRoutes(api)
	wallet.NewHandler(s.wallets).RegisterRoutes(api)

	admin := s.router.Group("/admin")
	admin.Use(security.AdminMiddleware(s.cfg.AdminSecret, s.cfg.IsProduction()))
	reconciliation.NewHandler(s.gaps).RegisterRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// circuitCheck reports the gateway unhealthy while any operation's
// circuit is open.
func (s *Server) circuitCheck(ctx context.Context) health.Status {
	open := s.breaker.OpenKeys()
	if len(open) == 0 {
		return health.Status{Name: "gateway_circuit", Healthy: true}
	}
	return health.Status{Name: "gateway_circuit", Healthy: false, Detail: fmt.Sprintf("open: %v", open)}
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second, // covers a full gateway retry budget
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"simulated_gateway", s.cfg.UsesSimulator(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.reaper != nil {
		go s.reaper.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	// Background goroutines: reaper, DB stats collector
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.reaper != nil {
		s.reaper.Stop()
		s.logger.Info("session reaper stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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
