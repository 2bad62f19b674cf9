// Package routing drives inbound payment requests to a live rail, or
// into recovery plus an immediate collateral fallback when the rail is
// down.
package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sazuyakun/Project-Aegis/internal/fallback"
	"github.com/sazuyakun/Project-Aegis/internal/liveness"
	"github.com/sazuyakun/Project-Aegis/internal/metrics"
	"github.com/sazuyakun/Project-Aegis/internal/queue"
)

// Recommender resolves a geo-optimal fallback pool. Advisory only.
type Recommender interface {
	OptimalPool(ctx context.Context, geo queue.GeoLocation) (string, error)
}

// FallbackPayer pays a merchant from pool collateral.
type FallbackPayer interface {
	Pay(ctx context.Context, merchant string, amount decimal.Decimal) (*fallback.Report, error)
}

// Config holds the pipeline's wiring and delays.
type Config struct {
	LiveTopic string

	// MissingRailDelay is slept after re-enqueueing a request without a
	// selected rail; UnknownRailDelay after one whose rail status is
	// unknown.
	MissingRailDelay time.Duration
	UnknownRailDelay time.Duration

	// ErrorBackoff bounds the reconnect backoff after dequeue errors.
	ErrorBackoff    time.Duration
	MaxErrorBackoff time.Duration
}

// Pipeline is the transaction routing worker.
type Pipeline struct {
	inbound     queue.Queue
	recovery    queue.Queue
	publisher   queue.Publisher
	registry    *liveness.Registry
	recommender Recommender
	payer       FallbackPayer
	logger      *slog.Logger
	cfg         Config
}

// New creates a routing pipeline.
func New(inbound, recovery queue.Queue, publisher queue.Publisher, registry *liveness.Registry, recommender Recommender, payer FallbackPayer, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.MaxErrorBackoff == 0 {
		cfg.MaxErrorBackoff = 30 * time.Second
	}
	return &Pipeline{
		inbound:     inbound,
		recovery:    recovery,
		publisher:   publisher,
		registry:    registry,
		recommender: recommender,
		payer:       payer,
		logger:      logger,
		cfg:         cfg,
	}
}

// Run consumes the inbound queue until the context is cancelled.
// Dequeue errors back off and retry; they never kill the worker.
func (p *Pipeline) Run(ctx context.Context) error {
	backoff := p.cfg.ErrorBackoff

	for {
		payload, err := p.inbound.Pop(ctx)
		switch {
		case err == nil:
			backoff = p.cfg.ErrorBackoff
			p.process(ctx, payload)

		case errors.Is(err, queue.ErrEmpty):
			continue

		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err

		default:
			p.logger.Error("dequeue failed, backing off", "error", err, "delay", backoff)
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			if backoff *= 2; backoff > p.cfg.MaxErrorBackoff {
				backoff = p.cfg.MaxErrorBackoff
			}
		}
	}
}

func (p *Pipeline) process(ctx context.Context, payload []byte) {
	var req queue.PaymentRequest
	if err := queue.Decode(payload, &req); err != nil {
		p.logger.Warn("dropping malformed transaction", "error", err)
		metrics.RoutedTransactionsTotal.WithLabelValues("malformed_dropped").Inc()
		return
	}
	if err := req.Validate(); err != nil {
		p.logger.Warn("dropping invalid transaction", "tx", req.ID, "error", err)
		metrics.RoutedTransactionsTotal.WithLabelValues("invalid_dropped").Inc()
		return
	}

	logger := p.logger.With("tx", req.ID, "user", req.UserID)

	// A missing rail is transient: routing cannot decide yet, so the
	// request goes to the back of the queue and is retried later.
	if req.SelectedRail == "" {
		logger.Warn("transaction missing selected rail, re-enqueueing")
		p.requeue(ctx, payload, p.cfg.MissingRailDelay, "requeued_missing_rail")
		return
	}

	status := p.registry.GetStatus(req.SelectedRail)
	logger = logger.With("rail", req.SelectedRail, "status", status)

	switch status {
	case liveness.StatusUp:
		if err := p.publisher.Publish(ctx, p.cfg.LiveTopic, payload); err != nil {
			logger.Error("failed to publish to live topic, re-enqueueing", "error", err)
			p.requeue(ctx, payload, p.cfg.UnknownRailDelay, "requeued_publish_failed")
			return
		}
		logger.Info("transaction routed to live processing")
		metrics.RoutedTransactionsTotal.WithLabelValues("live").Inc()

	case liveness.StatusDown:
		p.routeToRecovery(ctx, logger, &req)

	default:
		logger.Warn("rail status unknown, re-enqueueing")
		p.requeue(ctx, payload, p.cfg.UnknownRailDelay, "requeued_unknown")
	}
}

// routeToRecovery queues a bank-account recovery item and then tries an
// immediate collateral fallback. The fallback is best effort; its
// outcome never changes the routing result.
func (p *Pipeline) routeToRecovery(ctx context.Context, logger *slog.Logger, req *queue.PaymentRequest) {
	item, err := queue.Encode(queue.NewRecoveryItem(req))
	if err != nil {
		logger.Error("failed to encode recovery item", "error", err)
		metrics.RoutedTransactionsTotal.WithLabelValues("recovery_encode_failed").Inc()
		return
	}
	if err := p.recovery.Push(ctx, item); err != nil {
		logger.Error("failed to queue recovery item", "error", err)
		metrics.RoutedTransactionsTotal.WithLabelValues("recovery_queue_failed").Inc()
		return
	}
	logger.Info("transaction queued for recovery")
	metrics.RoutedTransactionsTotal.WithLabelValues("recovery").Inc()

	pool := p.resolveFallbackPool(ctx, logger, req)
	if pool == "" {
		logger.Warn("no fallback pool resolved, skipping collateral fallback")
		return
	}

	report, err := p.payer.Pay(ctx, req.MerchantAddress, req.Amount)
	if err != nil {
		logger.Error("collateral fallback failed", "error", err)
		return
	}
	logger.Info("collateral fallback succeeded",
		"processed", report.TotalProcessed,
		"transactions", len(report.Transactions),
		"fallback_status", report.Status)
}

// resolveFallbackPool prefers the recommender's geo answer and falls
// back to the pool named in the request.
func (p *Pipeline) resolveFallbackPool(ctx context.Context, logger *slog.Logger, req *queue.PaymentRequest) string {
	pool := req.PreferredFallbackPool
	if req.Geo == nil {
		return pool
	}

	recommended, err := p.recommender.OptimalPool(ctx, *req.Geo)
	if err != nil {
		logger.Warn("recommender query failed, using preferred pool", "error", err)
		return pool
	}
	if recommended == "" {
		logger.Warn("recommender had no pool, using preferred pool")
		return pool
	}
	return recommended
}

func (p *Pipeline) requeue(ctx context.Context, payload []byte, delay time.Duration, outcome string) {
	if err := p.inbound.Requeue(ctx, payload); err != nil {
		p.logger.Error("requeue failed, message lost", "error", err)
		metrics.RoutedTransactionsTotal.WithLabelValues("requeue_failed").Inc()
		return
	}
	metrics.RoutedTransactionsTotal.WithLabelValues(outcome).Inc()
	_ = sleep(ctx, delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
