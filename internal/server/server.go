// Package server wires the book, its stores and its background jobs behind
// the HTTP API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/tierpass/internal/auth"
	"github.com/mbd888/tierpass/internal/config"
	"github.com/mbd888/tierpass/internal/health"
	"github.com/mbd888/tierpass/internal/idgen"
	"github.com/mbd888/tierpass/internal/logging"
	"github.com/mbd888/tierpass/internal/metrics"
	"github.com/mbd888/tierpass/internal/ratelimit"
	"github.com/mbd888/tierpass/internal/realtime"
	"github.com/mbd888/tierpass/internal/security"
	"github.com/mbd888/tierpass/internal/subscription"
	"github.com/mbd888/tierpass/internal/traces"
	"github.com/mbd888/tierpass/internal/validation"
	"github.com/mbd888/tierpass/internal/wallet"
	"github.com/mbd888/tierpass/internal/watcher"
	"github.com/mbd888/tierpass/internal/webhooks"
)

// Version is reported by /health and /.
const Version = "0.1.0"

// Treasury receives payments and sends withdrawals on chain.
type Treasury interface {
	subscription.PaymentVerifier
	subscription.Payout
	Address() common.Address
	Close() error
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB // nil if using in-memory
	rpc      *ethclient.Client
	treasury Treasury

	service      *subscription.Service
	sweeper      *subscription.Timer
	hub          *realtime.Hub
	dispatcher   *webhooks.Dispatcher
	webhookStore webhooks.Store
	watcher      *watcher.Watcher
	watching     bool

	verifier    *auth.Verifier
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server

	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc
	drainDelay      time.Duration

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

// WithTreasury injects the payment verifier and payout wallet.
func WithTreasury(t Treasury) Option {
	return func(s *Server) {
		s.treasury = t
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
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
		health:     health.NewRegistry(0),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
		Version:     Version,
		Env:         cfg.Env,
		ChainID:     cfg.ChainID,
		Contract:    cfg.ContractAddress,
		DemoMode:    cfg.DemoMode,
	}, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	s.shutdownTracing = shutdownTracing

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory.
	var bookStore subscription.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		bookStore = subscription.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		bookStore = subscription.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	service, err := subscription.NewService(ctx, bookStore, cfg.Params())
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to restore book: %w", err)
	}
	s.service = service.WithLogger(s.logger)

	if !cfg.DemoMode {
		if err := s.connectChain(); err != nil {
			s.closeStores()
			return nil, err
		}
	}
	if s.treasury != nil {
		s.service.WithPaymentVerifier(s.treasury).WithPayout(s.treasury)
		s.logger.Info("on-chain payments enabled", "treasury", s.treasury.Address().Hex())
	} else {
		s.logger.Warn("demo mode: payments are not verified and withdrawals stay in the book")
	}

	// Committed records fan out to websocket clients and webhooks.
	s.hub = realtime.NewHub(s.logger)
	s.dispatcher = webhooks.NewDispatcher(s.webhookStore, s.logger).WithDefaultSecret(cfg.WebhookSecret)
	emitter := webhooks.NewEmitter(s.dispatcher, s.logger)
	s.service.WithPublisher(s.hub).WithPublisher(emitter)

	s.sweeper, err = subscription.NewTimer(s.service, cfg.SweepSchedule, s.logger)
	if err != nil {
		s.closeStores()
		return nil, err
	}

	if cfg.ContractAddress != "" && cfg.RPCURL != "" {
		wcfg := watcher.DefaultConfig()
		wcfg.RPCURL = cfg.RPCURL
		wcfg.Contract = common.HexToAddress(cfg.ContractAddress)
		w, err := watcher.New(wcfg, s.logger, s.hub, emitter)
		if err != nil {
			s.logger.Warn("failed to create contract watcher", "error", err)
		} else {
			s.watcher = w
			s.logger.Info("contract watcher configured", "contract", wcfg.Contract.Hex())
		}
	}

	if cfg.DemoMode {
		s.verifier = auth.NewVerifier(auth.AllowUnsigned())
		s.logger.Warn("demo mode: unsigned X-Caller headers are trusted")
	} else {
		s.verifier = auth.NewVerifier()
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

// connectChain dials the RPC node for health checks and, unless one was
// injected, opens the treasury wallet.
func (s *Server) connectChain() error {
	if s.cfg.RPCURL != "" {
		rpc, err := ethclient.Dial(s.cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("failed to dial RPC: %w", err)
		}
		s.rpc = rpc
		s.health.Register("rpc", health.RPC(rpc))
	}
	if s.treasury != nil || s.cfg.PrivateKey == "" {
		return nil
	}
	w, err := wallet.New(wallet.Config{
		RPCURL:     s.cfg.RPCURL,
		PrivateKey: s.cfg.PrivateKey,
		ChainID:    s.cfg.ChainID,
	})
	if err != nil {
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	s.treasury = w
	return nil
}

func (s *Server) closeStores() {
	if s.rpc != nil {
		s.rpc.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
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

	// Request ID first so auth failures and throttling are logged with it.
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(metrics.Middleware())

	// Auth runs before the limiter so signed callers get their own bucket.
	s.router.Use(auth.Middleware(s.verifier))
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.New()
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if caller, ok := auth.Caller(c); ok {
			attrs = append(attrs, "caller", caller.Hex())
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", gin.WrapF(s.hub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	book := subscription.NewHandler(s.service)
	book.RegisterRoutes(v1)
	v1.GET("/realtime/stats", s.realtimeStatsHandler)

	signed := v1.Group("", auth.RequireCaller())
	book.RegisterProtectedRoutes(signed)
	webhooks.NewHandler(s.webhookStore).RegisterRoutes(signed)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Seq       uint64          `json:"seq"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())
	_, seq := s.service.Treasury()

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Seq:       seq,
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
	if healthy, checks := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	info := gin.H{
		"name":     "tierpass",
		"version":  Version,
		"owner":    s.service.Owner().Hex(),
		"chainId":  s.cfg.ChainID,
		"demoMode": s.cfg.DemoMode,
	}
	if s.treasury != nil {
		info["treasury"] = s.treasury.Address().Hex()
	}
	if s.cfg.ContractAddress != "" {
		info["contract"] = s.cfg.ContractAddress
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP and the background jobs until ctx is cancelled, a
// SIGINT/SIGTERM arrives or the listener fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "owner", s.service.Owner().Hex())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.hub.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		s.sweeper.Start(runCtx)
		return nil
	})
	s.health.Register("sweeper", health.Running(s.sweeper.Running))

	if s.db != nil {
		if err := metrics.RegisterDB(s.db, "tierpass"); err != nil {
			s.logger.Warn("db stats collector not registered", "error", err)
		}
	}
	if s.watcher != nil {
		if err := s.watcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start contract watcher", "error", err)
		} else {
			s.watching = true
		}
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown requested")
		return s.Shutdown()
	})
	return g.Wait()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

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

	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.watching {
		s.watcher.Stop()
		s.logger.Info("contract watcher stopped")
	}

	// Let in-flight webhook deliveries finish before their stores close.
	done := make(chan struct{})
	go func() {
		s.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("webhook deliveries still in flight at shutdown")
	}

	if s.treasury != nil {
		if err := s.treasury.Close(); err != nil {
			s.logger.Error("wallet close error", "error", err)
		}
	}
	s.closeStores()
	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
