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

	"github.com/mbd888/txfirewall/internal/audit"
	"github.com/mbd888/txfirewall/internal/auth"
	"github.com/mbd888/txfirewall/internal/chain"
	"github.com/mbd888/txfirewall/internal/circuitbreaker"
	"github.com/mbd888/txfirewall/internal/classifier"
	"github.com/mbd888/txfirewall/internal/config"
	"github.com/mbd888/txfirewall/internal/firewall"
	"github.com/mbd888/txfirewall/internal/health"
	"github.com/mbd888/txfirewall/internal/idgen"
	"github.com/mbd888/txfirewall/internal/logging"
	"github.com/mbd888/txfirewall/internal/metrics"
	"github.com/mbd888/txfirewall/internal/policyfile"
	"github.com/mbd888/txfirewall/internal/ratelimit"
	"github.com/mbd888/txfirewall/internal/realtime"
	"github.com/mbd888/txfirewall/internal/security"
	"github.com/mbd888/txfirewall/internal/simulate"
	"github.com/mbd888/txfirewall/internal/spend"
	"github.com/mbd888/txfirewall/internal/traces"
	"github.com/mbd888/txfirewall/internal/validation"
	"github.com/mbd888/txfirewall/internal/webhooks"
)

// Version is reported by /health and /v1/info; cmd/server sets it.
var Version = "dev"

// Breaker settings for the RPC endpoint.
const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	pipeline       *firewall.Pipeline
	realtimeHub    *realtime.Hub
	webhookStore   webhooks.Store
	dispatcher     *webhooks.Dispatcher
	authMgr        *auth.Manager
	rateLimiter    *ratelimit.Limiter
	reloader       *policyfile.Reloader
	auditLog       *audit.Log
	health         *health.Registry
	reader         chain.Reader
	closeChain     func()
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	drainDelay     time.Duration
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

// WithChainReader supplies chain access instead of dialing RPC_URL (for
// testing). If r also implements chain.Prober it backs the health check.
func WithChainReader(r chain.Reader) Option {
	return func(s *Server) {
		s.reader = r
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(health.DefaultTimeout),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger,
		traces.WithVersion(Version),
		traces.WithSampleRatio(cfg.TraceSampleRatio),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var spendStore spend.Store = spend.NewMemoryStore()
	var keyStore auth.Store = auth.NewMemoryStore()
	var webhookStore webhooks.Store = webhooks.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		pgSpend := spend.NewPostgresStore(db)
		pgKeys := auth.NewPostgresStore(db)
		pgWebhooks := webhooks.NewPostgresStore(db)
		for _, m := range []interface{ Migrate(context.Context) error }{pgSpend, pgKeys, pgWebhooks} {
			if err := m.Migrate(ctx); err != nil {
				s.closeResources()
				return nil, fmt.Errorf("failed to migrate schema: %w", err)
			}
		}
		spendStore, keyStore, webhookStore = pgSpend, pgKeys, pgWebhooks
		s.health.Register("database", health.DBChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.authMgr = auth.NewManager(keyStore)
	s.webhookStore = webhookStore

	// Chain access
	if s.reader == nil && cfg.RPCURL != "" {
		eth, err := chain.Dial(ctx, cfg.RPCURL)
		if err != nil {
			s.closeResources()
			return nil, err
		}
		s.reader = eth
		s.closeChain = eth.Close
		s.logger.Info("chain client configured", "rpc", maskURL(cfg.RPCURL), "chain_id", cfg.ChainID)
	}
	var chainClient simulate.Chain
	if s.reader != nil {
		chainClient = chain.NewClient(s.reader,
			chain.WithBreaker(circuitbreaker.New(breakerThreshold, breakerCooldown)),
			chain.WithLogger(s.logger),
		)
		if p, ok := s.reader.(chain.Prober); ok {
			// Without simulation the node is only used for estimates.
			if cfg.RequireSimulation {
				s.health.Register("chain", chain.HealthChecker(p, cfg.ChainID))
			} else {
				s.health.RegisterOptional("chain", chain.HealthChecker(p, cfg.ChainID))
			}
		}
	} else if cfg.RequireSimulation {
		s.logger.Warn("simulation required but no RPC_URL configured; every check will fail closed")
	}

	// Audit log
	if cfg.AuditLogPath != "" {
		s.auditLog, err = audit.OpenFile(cfg.AuditLogPath)
		if err != nil {
			s.closeResources()
			return nil, err
		}
		s.logger.Info("audit log opened", "path", cfg.AuditLogPath, "entries", s.auditLog.Len())
	} else {
		s.auditLog = audit.NewLog()
	}

	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.CORSOrigins))
	s.dispatcher = webhooks.NewDispatcher(webhookStore, webhooks.WithLogger(s.logger))

	pipelineOpts := []firewall.Option{
		firewall.WithStore(spendStore),
		firewall.WithAuditLog(s.auditLog),
		firewall.WithPublisher(s.realtimeHub),
		firewall.WithPublisher(s.dispatcher),
		firewall.WithLogger(s.logger),
	}
	if chainClient != nil {
		pipelineOpts = append(pipelineOpts, firewall.WithChain(chainClient))
	}
	s.pipeline, err = firewall.New(ctx, firewall.Config{
		Payer:          cfg.PayerAddress,
		PeriodCap:      cfg.PeriodCap,
		PerTxCap:       cfg.PerTxCap,
		PeriodLocation: cfg.PeriodLocation,
		ReservationTTL: cfg.ReservationTTL,
		Classifier: classifier.Config{
			Blocklist:       cfg.Blocklist,
			Allowlist:       cfg.Allowlist,
			AllowlistMode:   cfg.AllowlistMode,
			HonorSystemSafe: cfg.HonorSystemSafe,
		},
		RequireSimulation: cfg.RequireSimulation,
		Simulation: simulate.Config{
			MaxRetries: cfg.MaxSimulationRetries,
			Timeout:    cfg.SimulationTimeout,
		},
	}, pipelineOpts...)
	if err != nil {
		s.closeResources()
		return nil, err
	}

	// Policy file entries are applied before the first request is served.
	if cfg.PolicyFile != "" {
		s.reloader = policyfile.NewReloader(cfg.PolicyFile, s.pipeline, policyfile.WithLogger(s.logger))
		res, err := s.reloader.Reload(ctx)
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to load policy file: %w", err)
		}
		s.logger.Info("policy file applied", "path", cfg.PolicyFile,
			"blocked", res.Blocked, "allowed", res.Allowed, "ignored", res.Ignored)
	}

	if cfg.RateLimitRPM > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitRPM,
			BurstSize:         cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
		})
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

// maskURL keeps only scheme and host of an RPC URL; providers embed API keys
// in the path or query.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	masked := u.Scheme + "://" + u.Host
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		masked += "/***"
	}
	return masked
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if caller := auth.CallerName(c); caller != "" {
			attrs = append(attrs, "caller", caller)
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
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

	authHandler := auth.NewHandler(s.authMgr)
	fwHandler := firewall.NewHandler(s.pipeline)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))
	v1.GET("/info", s.infoHandler)
	v1.GET("/auth/info", authHandler.Info)

	// Agent-facing routes: checks, spend bookkeeping, decision stream
	agent := v1.Group("")
	if s.cfg.RequireAPIKey {
		agent.Use(auth.RequireAuth())
	}
	if s.rateLimiter != nil {
		agent.Use(s.rateLimiter.Middleware())
	}
	fwHandler.RegisterRoutes(agent)
	agent.GET("/stream", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	agent.GET("/stream/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	// Operator routes
	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	fwHandler.RegisterAdminRoutes(admin)
	authHandler.RegisterAdminRoutes(admin)
	webhooks.NewHandler(s.webhookStore).RegisterAdminRoutes(admin)
	if s.reloader != nil {
		admin.POST("/admin/policy/reload", s.reloadPolicyHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "unhealthy", http.StatusServiceUnavailable
	} else {
		for _, st := range checks {
			if !st.Healthy {
				status = "degraded"
				break
			}
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":              "txfirewall",
		"description":       "Pre-flight transaction firewall for EVM agents",
		"version":           Version,
		"chainId":           s.cfg.ChainID,
		"requireSimulation": s.cfg.RequireSimulation,
		"requireApiKey":     s.cfg.RequireAPIKey,
	})
}

func (s *Server) reloadPolicyHandler(c *gin.Context) {
	res, err := s.reloader.Reload(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_policy",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": res})
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
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"payer", s.cfg.PayerAddress,
			"require_simulation", s.cfg.RequireSimulation,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.dispatcher.Run(runCtx)

	if s.reloader != nil {
		go func() {
			if err := s.reloader.Run(runCtx); err != nil {
				s.logger.Error("policy watcher stopped", "error", err)
			}
		}()
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.closeResources()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop background goroutines (hub, webhooks, policy watcher, stats) after
	// in-flight requests have drained.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if err := s.shutdownTraces(ctx); err != nil {
		s.logger.Error("trace exporter shutdown error", "error", err)
	}
	s.closeResources()

	s.logger.Info("server stopped")
	return shutdownErr
}

// closeResources releases everything New opened.
func (s *Server) closeResources() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.auditLog != nil {
		if err := s.auditLog.Close(); err != nil {
			s.logger.Error("audit log close error", "error", err)
		}
	}
	if s.closeChain != nil {
		s.closeChain()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Pipeline returns the firewall pipeline the server routes to.
func (s *Server) Pipeline() *firewall.Pipeline {
	return s.pipeline
}
