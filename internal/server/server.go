// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/enrollhq/entitlement/internal/checkout"
	"github.com/enrollhq/entitlement/internal/config"
	"github.com/enrollhq/entitlement/internal/entitlement"
	"github.com/enrollhq/entitlement/internal/logging"
	"github.com/enrollhq/entitlement/internal/metrics"
	"github.com/enrollhq/entitlement/internal/notify"
	"github.com/enrollhq/entitlement/internal/pricing"
	"github.com/enrollhq/entitlement/internal/provisioning"
	"github.com/enrollhq/entitlement/internal/ratelimit"
	"github.com/enrollhq/entitlement/internal/security"
	"github.com/enrollhq/entitlement/internal/traces"
	"github.com/enrollhq/entitlement/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	entitlementStore entitlement.Store
	entitlementSvc   *entitlement.Service
	provisioningSvc  *provisioning.Service
	notifier         notify.Notifier
	expiryTimer      *entitlement.Timer
	rateLimiter      *ratelimit.Limiter

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	tracesDown   func(context.Context) error
	cancelRunCtx context.CancelFunc

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

// WithNotifier sets a custom notifier (for testing)
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
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

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init traces: %w", err)
	}
	s.tracesDown = shutdown

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var provisioningStore provisioning.Store
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
		s.entitlementStore = entitlement.NewPostgresStore(db)
		provisioningStore = provisioning.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage")
	} else {
		s.entitlementStore = entitlement.NewMemoryStore()
		provisioningStore = provisioning.NewMemoryStore()
		s.logger.Warn("using in-memory storage, data will not persist")
	}

	if s.notifier == nil {
		if cfg.NotifyURL != "" {
			s.notifier = notify.NewHTTPNotifier(cfg.NotifyURL, cfg.NotifySecret, s.logger)
		} else {
			s.notifier = notify.Nop{}
			s.logger.Warn("no notification endpoint configured, notifications dropped")
		}
	}

	s.provisioningSvc = provisioning.NewService(
		provisioningStore,
		provisioning.DefaultCatalog(),
		subjectSource{store: s.entitlementStore},
		s.logger,
	)
	s.entitlementSvc = entitlement.NewService(
		s.entitlementStore,
		accessAdapter{svc: s.provisioningSvc},
		s.notifier,
		s.logger,
	)
	s.expiryTimer = entitlement.NewTimer(s.entitlementSvc, s.logger)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// subjectSource adapts the entitlement store to the provisioning lookup.
type subjectSource struct {
	store entitlement.Store
}

func (a subjectSource) LookupSubject(ctx context.Context, id string) (provisioning.SubjectInfo, error) {
	subj, err := a.store.GetSubject(ctx, id)
	if err != nil {
		return provisioning.SubjectInfo{}, err
	}
	return provisioning.SubjectInfo{
		Name:         subj.Name,
		Tier:         subj.Tier,
		Organization: subj.Kind == entitlement.KindOrganization,
	}, nil
}

// accessAdapter narrows the provisioning service to the side-effect surface
// the entitlement engine dispatches to.
type accessAdapter struct {
	svc *provisioning.Service
}

func (a accessAdapter) Provision(ctx context.Context, subjectID string) error {
	_, err := a.svc.Provision(ctx, subjectID)
	return err
}

func (a accessAdapter) GrantAccess(ctx context.Context, subjectID string) error {
	return a.svc.GrantAccess(ctx, subjectID)
}

func (a accessAdapter) SuspendAccess(ctx context.Context, subjectID string) error {
	return a.svc.SuspendAccess(ctx, subjectID)
}

func (a accessAdapter) RestoreAccess(ctx context.Context, subjectID string) error {
	return a.svc.RestoreAccess(ctx, subjectID)
}

func (a accessAdapter) RevokeAccess(ctx context.Context, subjectID string) error {
	return a.svc.RevokeAccess(ctx, subjectID)
}

func (s *Server) pricingConfig() pricing.Config {
	cfg := pricing.DefaultConfig()
	cfg.PayInFullDiscountPct = s.cfg.PayInFullDiscountPct
	cfg.MinDepositPct = s.cfg.MinDepositPct
	for i := range cfg.DeferredTiers {
		cfg.DeferredTiers[i].Installments = s.cfg.DeferredInstallments
	}
	return cfg
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic recovered",
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

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), s.logger))
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		switch {
		case status >= 500:
			s.logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			s.logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			s.logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	checkoutHandler := checkout.NewHandler(s.pricingConfig(), s.entitlementSvc)
	checkoutHandler.RegisterRoutes(v1)

	webhookHandler := checkout.NewWebhookHandler(s.cfg.StripeWebhookSecret, s.entitlementSvc, s.logger)
	webhookHandler.RegisterRoutes(v1)

	entitlementHandler := entitlement.NewHandler(s.entitlementSvc)
	entitlementHandler.RegisterRoutes(v1)

	provisioningHandler := provisioning.NewHandler(s.provisioningSvc)
	provisioningHandler.RegisterRoutes(v1)

	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	entitlementHandler.RegisterAdminRoutes(admin)
	provisioningHandler.RegisterAdminRoutes(admin)
}

func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured",
			})
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin credentials",
			})
			return
		}
		c.Next()
	}
}

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
	} else {
		checks["database"] = "in-memory"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if checks["database"] == "unhealthy" {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
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

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the server and blocks until shutdown.
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

	go s.expiryTimer.Start(runCtx)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.expiryTimer.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
	}
	if s.tracesDown != nil {
		if err := s.tracesDown(ctx); err != nil {
			s.logger.Warn("traces shutdown failed", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close failed", "error", err)
		}
	}
	s.logger.Info("server stopped")
	return nil
}
