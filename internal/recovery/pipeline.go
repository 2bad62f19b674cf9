// Package recovery drains deferred payments: on-chain unstakes run
// immediately, rail-bound items wait for their rail to come back and
// are then handed to the downstream recovery topics.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sazuyakun/Project-Aegis/internal/liveness"
	"github.com/sazuyakun/Project-Aegis/internal/metrics"
	"github.com/sazuyakun/Project-Aegis/internal/queue"
	"github.com/sazuyakun/Project-Aegis/internal/token"
)

// Unstaker performs the on-chain unstake used by blockchain recovery.
type Unstaker interface {
	Unstake(ctx context.Context, pool common.Address, lpTokens *big.Int) (string, error)
}

// Config holds the pipeline's wiring and delays.
type Config struct {
	CreditCardTopic string
	BankTopic       string

	// MissingRailDelay follows a re-enqueue for an item without a rail,
	// RetryDelay one for a failed or incomplete blockchain unstake,
	// DownDelay one whose rail is still down, UnknownDelay one whose
	// rail status is unknown. DownDelay should be the longest: the
	// queue must not hot-loop against a rail known to be unavailable.
	MissingRailDelay time.Duration
	RetryDelay       time.Duration
	DownDelay        time.Duration
	UnknownDelay     time.Duration

	// MaxAttempts bounds blockchain unstake retries; when an item's
	// attempt count reaches it, the item moves to the dead-letter
	// queue. Zero means retry forever.
	MaxAttempts int

	// ErrorBackoff bounds the reconnect backoff after dequeue errors.
	ErrorBackoff    time.Duration
	MaxErrorBackoff time.Duration
}

// Pipeline is the recovery payment worker.
type Pipeline struct {
	recovery   queue.Queue
	deadLetter queue.Queue
	publisher  queue.Publisher
	registry   *liveness.Registry
	unstaker   Unstaker
	logger     *slog.Logger
	cfg        Config
}

// New creates a recovery pipeline. deadLetter may be nil when
// MaxAttempts is zero.
func New(recovery, deadLetter queue.Queue, publisher queue.Publisher, registry *liveness.Registry, unstaker Unstaker, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.MaxErrorBackoff == 0 {
		cfg.MaxErrorBackoff = 30 * time.Second
	}
	return &Pipeline{
		recovery:   recovery,
		deadLetter: deadLetter,
		publisher:  publisher,
		registry:   registry,
		unstaker:   unstaker,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run consumes the recovery queue until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	backoff := p.cfg.ErrorBackoff

	for {
		payload, err := p.recovery.Pop(ctx)
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
	var item queue.RecoveryItem
	if err := queue.Decode(payload, &item); err != nil {
		p.logger.Warn("dropping malformed recovery item", "error", err)
		metrics.RecoveryItemsTotal.WithLabelValues("malformed_dropped").Inc()
		return
	}

	logger := p.logger.With("recovery", item.RecoveryID, "method", item.Method)
	method := strings.ToLower(item.Method)

	if method == queue.MethodBlockchain {
		p.processUnstake(ctx, logger, &item)
		return
	}

	if item.SelectedRail == "" {
		logger.Warn("recovery item missing selected rail, re-enqueueing")
		p.requeue(ctx, payload, p.cfg.MissingRailDelay, "requeued_missing_rail")
		return
	}

	status := p.registry.GetStatus(item.SelectedRail)
	logger = logger.With("rail", item.SelectedRail, "status", status)

	switch status {
	case liveness.StatusUp:
		p.routeByMethod(ctx, logger, method, payload)

	case liveness.StatusDown:
		logger.Info("rail still down, re-enqueueing")
		p.requeue(ctx, payload, p.cfg.DownDelay, "requeued_down")

	default:
		logger.Warn("rail status unknown, re-enqueueing")
		p.requeue(ctx, payload, p.cfg.UnknownDelay, "requeued_unknown")
	}
}

func (p *Pipeline) routeByMethod(ctx context.Context, logger *slog.Logger, method string, payload []byte) {
	var topic string
	switch method {
	case queue.MethodCreditCard:
		topic = p.cfg.CreditCardTopic
	case queue.MethodBankAccount:
		topic = p.cfg.BankTopic
	default:
		logger.Warn("unknown recovery method, re-enqueueing")
		p.requeue(ctx, payload, p.cfg.RetryDelay, "requeued_unknown_method")
		return
	}

	if err := p.publisher.Publish(ctx, topic, payload); err != nil {
		logger.Error("failed to publish recovery item, re-enqueueing", "error", err)
		p.requeue(ctx, payload, p.cfg.RetryDelay, "requeued_publish_failed")
		return
	}
	logger.Info("recovery item routed downstream", "topic", topic)
	metrics.RecoveryItemsTotal.WithLabelValues("routed_" + method).Inc()
}

// processUnstake runs a blockchain recovery. Failures re-enqueue the
// item with its attempt count bumped; the item only stops cycling when
// the unstake confirms or, with MaxAttempts set, when it is exhausted
// into the dead-letter queue.
func (p *Pipeline) processUnstake(ctx context.Context, logger *slog.Logger, item *queue.RecoveryItem) {
	if item.PoolIDForUnstake == "" || !item.LPTokensToUnstake.IsPositive() {
		logger.Error("blockchain recovery missing pool or lp token amount, re-enqueueing")
		p.retryUnstake(ctx, logger, item)
		return
	}
	if !common.IsHexAddress(item.PoolIDForUnstake) {
		logger.Error("blockchain recovery has invalid pool address, re-enqueueing",
			"pool", item.PoolIDForUnstake)
		p.retryUnstake(ctx, logger, item)
		return
	}

	pool := common.HexToAddress(item.PoolIDForUnstake)
	hash, err := p.unstaker.Unstake(ctx, pool, token.ToUnits(item.LPTokensToUnstake))
	if err != nil {
		logger.Error("unstake failed, re-enqueueing", "error", err)
		p.retryUnstake(ctx, logger, item)
		return
	}

	logger.Info("unstake confirmed", "tx", hash, "pool", item.PoolIDForUnstake)
	metrics.RecoveryItemsTotal.WithLabelValues("unstaked").Inc()
}

func (p *Pipeline) retryUnstake(ctx context.Context, logger *slog.Logger, item *queue.RecoveryItem) {
	item.Attempts++

	if p.cfg.MaxAttempts > 0 && item.Attempts >= p.cfg.MaxAttempts && p.deadLetter != nil {
		payload, err := queue.Encode(item)
		if err == nil {
			err = p.deadLetter.Push(ctx, payload)
		}
		if err != nil {
			logger.Error("failed to dead-letter exhausted item", "error", err)
		} else {
			logger.Error("blockchain recovery exhausted, dead-lettered", "attempts", item.Attempts)
			metrics.RecoveryItemsTotal.WithLabelValues("dead_lettered").Inc()
			return
		}
	}

	payload, err := queue.Encode(item)
	if err != nil {
		logger.Error("failed to re-encode recovery item, dropping", "error", err)
		metrics.RecoveryItemsTotal.WithLabelValues("encode_failed").Inc()
		return
	}
	p.requeue(ctx, payload, p.cfg.RetryDelay, "requeued_unstake")
}

func (p *Pipeline) requeue(ctx context.Context, payload []byte, delay time.Duration, outcome string) {
	if err := p.recovery.Requeue(ctx, payload); err != nil {
		p.logger.Error("requeue failed, message lost", "error", err)
		metrics.RecoveryItemsTotal.WithLabelValues("requeue_failed").Inc()
		return
	}
	metrics.RecoveryItemsTotal.WithLabelValues(outcome).Inc()
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
