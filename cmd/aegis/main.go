// Aegis - failover payment routing and recovery engine
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sazuyakun/Project-Aegis/internal/config"
	"github.com/sazuyakun/Project-Aegis/internal/fallback"
	"github.com/sazuyakun/Project-Aegis/internal/health"
	"github.com/sazuyakun/Project-Aegis/internal/ledger"
	"github.com/sazuyakun/Project-Aegis/internal/liveness"
	"github.com/sazuyakun/Project-Aegis/internal/logging"
	"github.com/sazuyakun/Project-Aegis/internal/metrics"
	"github.com/sazuyakun/Project-Aegis/internal/queue"
	"github.com/sazuyakun/Project-Aegis/internal/recommender"
	"github.com/sazuyakun/Project-Aegis/internal/recovery"
	"github.com/sazuyakun/Project-Aegis/internal/repay"
	"github.com/sazuyakun/Project-Aegis/internal/retry"
	"github.com/sazuyakun/Project-Aegis/internal/routing"
	"github.com/sazuyakun/Project-Aegis/internal/server"
	"github.com/sazuyakun/Project-Aegis/internal/supervisor"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, "json")
	logger.Info("starting aegis",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Work queues: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		db         *sql.DB
		inbound    queue.Queue
		recoveryQ  queue.Queue
		deadLetter queue.Queue
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		// The database may still be coming up alongside us.
		if err := retry.Do(ctx, 5, time.Second, func() error {
			return db.PingContext(ctx)
		}); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info("using PostgreSQL queues", "url", maskDSN(cfg.DatabaseURL))

		inbound = queue.NewPostgresQueue(db, cfg.TransactionQueue, cfg.DequeueTimeout)
		recoveryQ = queue.NewPostgresQueue(db, cfg.RecoveryQueue, cfg.DequeueTimeout)
		deadLetter = queue.NewPostgresQueue(db, cfg.DeadLetterQueue, cfg.DequeueTimeout)
	} else {
		logger.Info("using in-memory queues")
		inbound = queue.NewMemoryQueue(cfg.TransactionQueue, cfg.DequeueTimeout)
		recoveryQ = queue.NewMemoryQueue(cfg.RecoveryQueue, cfg.DequeueTimeout)
		deadLetter = queue.NewMemoryQueue(cfg.DeadLetterQueue, cfg.DequeueTimeout)
	}

	bus := queue.NewBus()
	defer bus.Close()

	gateway, err := ledger.New(ledger.Config{
		RPCURL:             cfg.RPCURL,
		PrivateKey:         cfg.PrivateKey,
		ChainID:            cfg.ChainID,
		FactoryContract:    cfg.PoolFactoryContract,
		TokenContract:      cfg.StakingTokenContract,
		ValidateViaFactory: cfg.ValidatePoolViaFactory,
		ConfirmTimeout:     cfg.ConfirmTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger gateway: %w", err)
	}
	defer gateway.Close()
	logger.Info("ledger gateway ready", "signer", gateway.SignerAddress().Hex())

	repayer := repay.New(gateway, logger)
	distributor := fallback.New(gateway, logger)
	pools := recommender.New(cfg.RecommenderURL, cfg.RecommenderTimeout)

	registry := liveness.NewRegistry()
	registry.OnRailUp = func(rail string) {
		repayCtx, done := context.WithTimeout(ctx, 10*time.Minute)
		defer done()
		result := repayer.RepayAll(repayCtx, rail)
		logger.Info("rail recovery repayment finished",
			"rail", rail,
			"status", result.Status,
			"transactions", len(result.TxHashes),
		)
	}

	listener := liveness.NewListener(registry, bus, cfg.LivenessTopic, cfg.RecoveryStatusTopic,
		logging.Worker(logger, "liveness_listener"))

	router := routing.New(inbound, recoveryQ, bus, registry, pools, distributor, routing.Config{
		LiveTopic:        cfg.LiveProcessingTopic,
		MissingRailDelay: cfg.MissingRailDelay,
		UnknownRailDelay: cfg.UnknownRailDelay,
	}, logging.Worker(logger, "transaction_router"))

	recoverer := recovery.New(recoveryQ, deadLetter, bus, registry, gateway, recovery.Config{
		CreditCardTopic:  cfg.CreditCardTopic,
		BankTopic:        cfg.BankRecoveryTopic,
		MissingRailDelay: cfg.MissingRailDelay,
		RetryDelay:       cfg.RecoveryRetryDelay,
		DownDelay:        cfg.RecoveryDownDelay,
		UnknownDelay:     cfg.RecoveryUnknownDelay,
		MaxAttempts:      cfg.RecoveryMaxAttempts,
	}, logging.Worker(logger, "recovery_processor"))

	sup := supervisor.New(logger, []supervisor.Worker{
		supervisor.WorkerFunc("liveness_listener", listener.Run),
		supervisor.WorkerFunc("transaction_router", router.Run),
		supervisor.WorkerFunc("recovery_processor", recoverer.Run),
	})
	sup.Start(ctx)

	stopCollector := make(chan struct{})
	defer close(stopCollector)
	go metrics.StartRuntimeCollector(stopCollector, cfg.SupervisorInterval)

	checks := health.NewRegistry()
	checks.Register("ledger", func(ctx context.Context) health.Status {
		if err := gateway.Ping(ctx); err != nil {
			return health.Status{Name: "ledger", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "ledger", Healthy: true}
	})
	checks.Register("queue", func(ctx context.Context) health.Status {
		depth, err := inbound.Len(ctx)
		if err != nil {
			return health.Status{Name: "queue", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "queue", Healthy: true, Detail: fmt.Sprintf("depth=%d", depth)}
	})

	srv := server.New(cfg, inbound, registry, repayer, distributor, distributor,
		server.WithLogger(logger),
		server.WithWorkerStatus(sup),
		server.WithHealthRegistry(checks),
		server.WithPoolAdmin(gateway),
	)

	err = srv.Run(ctx)

	cancel()
	sup.Wait()
	logger.Info("aegis stopped")
	return err
}

// maskDSN hides credentials in a database URL for logging.
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
