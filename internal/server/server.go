// Package server exposes the HTTP surface of the routing engine:
// payment submission, operator-triggered repayments, fallback payments,
// stake distribution, health and metrics.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/sazuyakun/Project-Aegis/internal/config"
	"github.com/sazuyakun/Project-Aegis/internal/fallback"
	"github.com/sazuyakun/Project-Aegis/internal/health"
	"github.com/sazuyakun/Project-Aegis/internal/liveness"
	"github.com/sazuyakun/Project-Aegis/internal/logging"
	"github.com/sazuyakun/Project-Aegis/internal/metrics"
	"github.com/sazuyakun/Project-Aegis/internal/queue"
	"github.com/sazuyakun/Project-Aegis/internal/repay"
)

// Repayer settles outstanding pool debts for a recovered rail.
type Repayer interface {
	RepayAll(ctx context.Context, rail string) repay.Result
}

// FallbackPayer pays a merchant from pool collateral.
type FallbackPayer interface {
	Pay(ctx context.Context, merchant string, amount decimal.Decimal) (*fallback.Report, error)
}

// StakeDistributor spreads a stake across active pools.
type StakeDistributor interface {
	DistributeStake(ctx context.Context, total decimal.Decimal) (*fallback.StakeReport, error)
}

// PoolAdmin performs direct pool management on chain: staking into a
// single pool and registering new regional pools. ledger.Gateway
// satisfies it.
type PoolAdmin interface {
	Stake(ctx context.Context, pool common.Address, amount *big.Int) (string, error)
	CreatePool(ctx context.Context, region string) (string, error)
}

// WorkerStatus reports which background workers are currently running.
type WorkerStatus interface {
	Running() map[string]bool
}

// Server wraps the gin engine and its dependencies.
type Server struct {
	cfg      *config.Config
	inbound  queue.Queue
	registry *liveness.Registry
	repayer  Repayer
	payer    FallbackPayer
	staker   StakeDistributor
	pools    PoolAdmin
	workers  WorkerStatus
	checks   *health.Registry
	limiter  *rateLimiter
	router   *gin.Engine
	httpSrv  *http.Server
	logger   *slog.Logger
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithWorkerStatus wires the supervisor's liveness snapshot into /healthz.
func WithWorkerStatus(ws WorkerStatus) Option {
	return func(s *Server) { s.workers = ws }
}

// WithHealthRegistry sets the subsystem health check registry.
func WithHealthRegistry(r *health.Registry) Option {
	return func(s *Server) { s.checks = r }
}

// WithPoolAdmin enables the direct pool management endpoints.
func WithPoolAdmin(pa PoolAdmin) Option {
	return func(s *Server) { s.pools = pa }
}

// New creates the server. inbound receives accepted payment requests;
// repayer, payer and staker back the operator endpoints.
func New(cfg *config.Config, inbound queue.Queue, registry *liveness.Registry, repayer Repayer, payer FallbackPayer, staker StakeDistributor, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		inbound:  inbound,
		registry: registry,
		repayer:  repayer,
		payer:    payer,
		staker:   staker,
		checks:   health.NewRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

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

	s.router.Use(requestSizeMiddleware(MaxRequestSize))

	s.limiter = newRateLimiter(60, 10)
	s.router.Use(s.limiter.middleware())

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
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.POST("/payments", s.submitPayment)
	s.router.POST("/repayments", s.triggerRepayment)
	s.router.POST("/fallback-payments", s.triggerFallbackPayment)
	s.router.POST("/stakes/distributed", s.distributeStake)

	if s.pools != nil {
		s.router.POST("/stakes", s.stakeInPool)
		s.router.POST("/pools", s.createPool)
	}
}

// Run serves HTTP until ctx is cancelled or SIGINT/SIGTERM arrives,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("starting graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.limiter.Stop()
	s.logger.Info("server stopped")
	return err
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}
