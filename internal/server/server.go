// Package server exposes the ingestion endpoint and the read-only reporting
// API over HTTP.
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

	"github.com/lendlens/lendlens/internal/alerts"
	"github.com/lendlens/lendlens/internal/analysis"
	"github.com/lendlens/lendlens/internal/config"
	"github.com/lendlens/lendlens/internal/engine"
	"github.com/lendlens/lendlens/internal/event"
	"github.com/lendlens/lendlens/internal/health"
	"github.com/lendlens/lendlens/internal/logging"
	"github.com/lendlens/lendlens/internal/metrics"
	"github.com/lendlens/lendlens/internal/ratelimit"
	"github.com/lendlens/lendlens/internal/realtime"
	"github.com/lendlens/lendlens/internal/security"
	"github.com/lendlens/lendlens/internal/traces"
)

// Server wraps the HTTP server and the analysis pipeline.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    analysis.Store
	engine   *engine.Engine
	ingestor *event.Ingestor
	notifier *alerts.Notifier
	hub      *realtime.Hub
	checks   *health.Registry
	limiter  *ratelimit.Limiter
	db       *sql.DB // nil if using in-memory
	router   *gin.Engine
	httpSrv  *http.Server

	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithStore injects a store, bypassing DATABASE_URL selection (for tests).
func WithStore(store analysis.Store) Option {
	return func(s *Server) { s.store = store }
}

// New creates a server instance with its full pipeline wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL is set, in-memory otherwise.
	if s.store == nil {
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

			store := analysis.NewPostgresStore(db)
			if err := store.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("failed to migrate analysis store: %w", err)
			}
			s.store = store
			s.checks.Register("postgres", func(ctx context.Context) health.Status {
				st := health.Status{Name: "postgres", Healthy: true}
				if err := db.PingContext(ctx); err != nil {
					st.Healthy = false
					st.Detail = err.Error()
				}
				return st
			})
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = analysis.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	// Alert channel (optional).
	if cfg.AlertWebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.AlertWebhookURL); err != nil {
			s.logger.Warn("alert webhook target failed endpoint validation", "error", err)
		}
		s.notifier = alerts.New(cfg.AlertWebhookURL, cfg.AlertSecret, cfg.AlertCooldown, s.logger)
		s.logger.Info("alert channel enabled", "cooldown", cfg.AlertCooldown)
	}

	s.hub = realtime.NewHub(s.logger)

	engineOpts := []engine.Option{engine.WithPublisher(s.hub)}
	if s.notifier != nil {
		engineOpts = append(engineOpts, engine.WithNotifier(s.notifier))
	}
	s.engine = engine.New(cfg, s.logger, s.store, engineOpts...)
	s.ingestor = event.NewIngestor(s.logger, s.engine)

	s.checks.Register("engine", func(ctx context.Context) health.Status {
		st := health.Status{Name: "engine", Healthy: true}
		if s.engine.Snapshot().QueueDepth >= cfg.Workers*cfg.QueueSize {
			st.Healthy = false
			st.Detail = "all worker queues full"
		}
		return st
	})

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RatePerMinute,
		BurstSize:         cfg.RateBurst,
		CleanupInterval:   time.Minute,
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.FromContext(c.Request.Context()).Error("panic recovered",
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
	s.router.Use(metrics.Middleware())

	s.router.Use(func(c *gin.Context) {
		ctx := logging.WithLogger(c.Request.Context(), s.logger)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		switch {
		case status >= 500:
			s.logger.Error("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds(), "client_ip", c.ClientIP())
		case status >= 400:
			s.logger.Warn("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds())
		default:
			s.logger.Debug("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds())
		}
	})
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// The event feed is never rate limited: the ledger must not see
	// backpressure. Query endpoints are limited per client IP.
	rl := s.limiter.Middleware()
	v1 := s.router.Group("/v1")
	{
		v1.POST("/events", s.ingestHandler)
		v1.GET("/analyses", rl, s.listHighRiskHandler)
		v1.GET("/analyses/:userId", rl, s.getAnalysisHandler)
		v1.GET("/analyses/:userId/export", rl, s.exportHandler)
		v1.GET("/rings", rl, s.listRingsHandler)
		v1.GET("/stats", rl, s.statsHandler)
	}

	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
}

// Run starts the pipeline and serves HTTP until ctx ends or a signal
// arrives.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		defer func() {
			tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer tcancel()
			_ = shutdownTraces(tctx)
		}()
	}

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.engine.Start(runCtx)
	go s.hub.Run(runCtx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.ready.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}
	return s.Shutdown()
}

// Shutdown stops accepting traffic, drains the pipeline, and closes the
// store.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}

	// New events are rejected from here; in-flight per-user updates finish.
	s.engine.Stop()
	if s.notifier != nil {
		s.notifier.Wait()
	}
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.limiter.Stop()
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.logger.Info("server stopped")
	return firstErr
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine exposes the pipeline for tests and the MCP surface.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}
