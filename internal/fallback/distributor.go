// Package fallback pays merchants from staked pool collateral when a
// payment rail is down, and spreads pre-stakes across pools so that
// collateral exists when it is needed.
package fallback

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/sazuyakun/Project-Aegis/internal/ledger"
	"github.com/sazuyakun/Project-Aegis/internal/metrics"
	"github.com/sazuyakun/Project-Aegis/internal/token"
)

// Tolerance below which a remaining amount counts as fully settled.
var Tolerance = decimal.RequireFromString("0.001")

// Distribution outcome statuses.
const (
	StatusCompleted          = "completed"
	StatusPartiallyCompleted = "partially_completed"
)

var (
	ErrInvalidAmount       = errors.New("fallback: amount must be positive")
	ErrInvalidMerchant     = errors.New("fallback: invalid merchant address")
	ErrNoCollateral        = errors.New("fallback: no pools with available collateral")
	ErrExceedsCollateral   = errors.New("fallback: amount exceeds total available collateral")
	ErrInsufficientBalance = errors.New("fallback: insufficient token balance")
	ErrNoTransactions      = errors.New("fallback: no fallback payments could be processed")
)

// Transaction is one confirmed sub-payment.
type Transaction struct {
	Pool   string          `json:"pool_address"`
	Amount decimal.Decimal `json:"amount"`
	TxHash string          `json:"transaction_hash"`
}

// Report summarizes a fallback payment run.
type Report struct {
	TotalProcessed decimal.Decimal `json:"total_amount_processed"`
	Remaining      decimal.Decimal `json:"remaining_amount"`
	Transactions   []Transaction   `json:"transactions"`
	Status         string          `json:"status"`
}

// Distributor walks pools largest-collateral-first and pays a merchant
// from each until the requested amount is covered.
type Distributor struct {
	gateway ledger.Gateway
	logger  *slog.Logger
}

// New creates a distributor.
func New(gateway ledger.Gateway, logger *slog.Logger) *Distributor {
	return &Distributor{gateway: gateway, logger: logger}
}

// Pay covers amount for the merchant from pool collateral. The amount
// is rejected up front when it exceeds the total collateral across all
// eligible pools; after that, individual pool failures are skipped and
// the run continues with the next pool.
func (d *Distributor) Pay(ctx context.Context, merchant string, amount decimal.Decimal) (*Report, error) {
	report, err := d.pay(ctx, merchant, amount)
	if err != nil {
		metrics.FallbackPaymentsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.FallbackPaymentsTotal.WithLabelValues(report.Status).Inc()
	return report, nil
}

func (d *Distributor) pay(ctx context.Context, merchant string, amount decimal.Decimal) (*Report, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !common.IsHexAddress(merchant) {
		return nil, ErrInvalidMerchant
	}
	merchantAddr := common.HexToAddress(merchant)

	pools, err := d.gateway.GetPools(ctx)
	if err != nil {
		return nil, err
	}

	eligible := make([]ledger.Pool, 0, len(pools))
	total := decimal.Zero
	for _, pool := range pools {
		if pool.Stake.CollateralAmount.IsPositive() {
			eligible = append(eligible, pool)
			total = total.Add(pool.Stake.CollateralAmount)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoCollateral
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Stake.CollateralAmount.GreaterThan(eligible[j].Stake.CollateralAmount)
	})

	if amount.GreaterThan(total) {
		d.logger.Error("fallback amount above total collateral",
			"amount", amount, "total_collateral", total)
		return nil, ErrExceedsCollateral
	}

	balance, err := d.gateway.BalanceOf(ctx, d.gateway.SignerAddress())
	if err != nil {
		return nil, err
	}
	if balance.Cmp(token.ToUnits(amount)) < 0 {
		return nil, ErrInsufficientBalance
	}

	report := &Report{Remaining: amount}
	remaining := amount

	for _, pool := range eligible {
		if !remaining.IsPositive() {
			break
		}

		payment := decimal.Min(remaining, pool.Stake.CollateralAmount)
		paymentUnits := token.ToUnits(payment)
		poolAddr := common.HexToAddress(pool.ID)
		logger := d.logger.With("pool", pool.ID, "payment", payment)

		if _, err := d.gateway.Approve(ctx, poolAddr, paymentUnits); err != nil {
			logger.Warn("approval failed, skipping pool", "error", err)
			continue
		}

		if err := d.gateway.SimulateFallbackPay(ctx, poolAddr, merchantAddr, paymentUnits); err != nil {
			logger.Warn("fallback simulation failed, skipping pool", "error", err)
			continue
		}

		hash, err := d.gateway.FallbackPay(ctx, poolAddr, merchantAddr, paymentUnits)
		if err != nil {
			logger.Warn("fallback payment failed, skipping pool", "error", err)
			continue
		}

		report.Transactions = append(report.Transactions, Transaction{
			Pool:   pool.ID,
			Amount: payment,
			TxHash: hash,
		})
		remaining = remaining.Sub(payment)
		logger.Info("fallback sub-payment confirmed", "tx", hash, "remaining", remaining)
	}

	if len(report.Transactions) == 0 {
		return nil, ErrNoTransactions
	}

	report.Remaining = remaining
	report.TotalProcessed = amount.Sub(remaining)
	if remaining.LessThanOrEqual(Tolerance) {
		report.Status = StatusCompleted
	} else {
		report.Status = StatusPartiallyCompleted
	}
	return report, nil
}
