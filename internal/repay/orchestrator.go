// Package repay settles the signer's outstanding pool debts when a
// payment rail recovers.
package repay

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/sazuyakun/Project-Aegis/internal/ledger"
	"github.com/sazuyakun/Project-Aegis/internal/metrics"
	"github.com/sazuyakun/Project-Aegis/internal/token"
)

// Repayment outcome statuses.
const (
	StatusSuccess        = "success"
	StatusPartialSuccess = "partial_success"
	StatusError          = "error"
)

// Result describes one repayment run.
type Result struct {
	TxHashes       []string `json:"transaction_hashes"`
	ApprovalHashes []string `json:"approval_hashes,omitempty"`
	Status         string   `json:"status"`
	Message        string   `json:"message"`
}

// Orchestrator walks every pool, finds the signer's unpaid debts and
// repays them one by one.
type Orchestrator struct {
	gateway ledger.Gateway
	logger  *slog.Logger
}

// New creates an orchestrator.
func New(gateway ledger.Gateway, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{gateway: gateway, logger: logger}
}

type poolDebts struct {
	pool   common.Address
	debts  []ledger.Debt
	amount *big.Int
}

// RepayAll repays every unpaid debt across all pools. The whole batch
// is checked against the signer's balance before anything is spent; an
// insufficient balance aborts with no transactions sent. Individual
// approval or repayment failures degrade the result, they do not stop
// the run.
func (o *Orchestrator) RepayAll(ctx context.Context, rail string) Result {
	unitID := fmt.Sprintf("repay_%s_%s", rail, uuid.NewString())
	logger := o.logger.With("unit", unitID, "rail", rail)

	result := o.repayAll(ctx, logger)
	metrics.DebtRepaymentsTotal.WithLabelValues(result.Status).Inc()
	logger.Info("repayment run finished", "status", result.Status, "message", result.Message, "txs", len(result.TxHashes))
	return result
}

func (o *Orchestrator) repayAll(ctx context.Context, logger *slog.Logger) Result {
	balance, err := o.gateway.BalanceOf(ctx, o.gateway.SignerAddress())
	if err != nil {
		return errorResult("failed to read token balance: " + err.Error())
	}
	if balance.Sign() == 0 {
		// Nothing can be repaid without a balance; not a failure.
		return Result{Status: StatusSuccess, Message: "no token balance, nothing to repay"}
	}

	pools, err := o.gateway.GetPools(ctx)
	if err != nil {
		return errorResult("failed to fetch pools: " + err.Error())
	}
	if len(pools) == 0 {
		return Result{Status: StatusSuccess, Message: "no debts to repay"}
	}

	batch, totalDebt := o.collectDebts(ctx, logger, pools)
	if len(batch) == 0 {
		return Result{Status: StatusSuccess, Message: "no debts to repay"}
	}

	if balance.Cmp(totalDebt) < 0 {
		logger.Error("balance below total debt",
			"balance", token.Format(balance),
			"total_debt", token.Format(totalDebt))
		return errorResult("insufficient token balance to cover all debts")
	}

	var result Result
	allSuccessful := true

	for _, pd := range batch {
		approvalHash, err := o.gateway.Approve(ctx, pd.pool, pd.amount)
		if err != nil {
			logger.Error("approval failed, skipping pool", "pool", pd.pool.Hex(), "error", err)
			allSuccessful = false
			continue
		}
		if approvalHash != "" {
			result.ApprovalHashes = append(result.ApprovalHashes, approvalHash)
		}

		for _, debt := range pd.debts {
			hash, err := o.repayOne(ctx, pd.pool, debt)
			if err != nil {
				logger.Error("debt repayment failed",
					"pool", pd.pool.Hex(),
					"amount", token.Format(debt.Amount),
					"error", err)
				allSuccessful = false
				continue
			}
			if hash == "" {
				// Debt vanished between fetch and repay.
				continue
			}
			result.TxHashes = append(result.TxHashes, hash)
		}
	}

	if len(result.TxHashes) == 0 {
		result.Status = StatusError
		result.Message = "no repayment transactions were successful"
		return result
	}

	if allSuccessful {
		result.Status = StatusSuccess
		result.Message = "all debts repaid successfully"
	} else {
		result.Status = StatusPartialSuccess
		result.Message = "some debt repayments failed"
	}
	return result
}

// collectDebts fetches each pool's unpaid debts and the batch total.
// Pools whose debt list cannot be read are skipped.
func (o *Orchestrator) collectDebts(ctx context.Context, logger *slog.Logger, pools []ledger.Pool) ([]poolDebts, *big.Int) {
	var batch []poolDebts
	total := new(big.Int)

	for _, pool := range pools {
		addr := common.HexToAddress(pool.ID)
		debts, err := o.gateway.GetUserDebts(ctx, addr)
		if err != nil {
			logger.Warn("skipping pool with unreadable debts", "pool", pool.ID, "error", err)
			continue
		}

		pd := poolDebts{pool: addr, amount: new(big.Int)}
		for _, debt := range debts {
			if debt.Repaid {
				continue
			}
			pd.debts = append(pd.debts, debt)
			pd.amount.Add(pd.amount, debt.Amount)
		}
		if len(pd.debts) > 0 {
			batch = append(batch, pd)
			total.Add(total, pd.amount)
		}
	}
	return batch, total
}

// repayOne re-fetches the pool's debt list and re-locates the target by
// its immutable fields before sending, since list indexes shift as
// other debts settle. Returns "" without error when the debt is gone.
func (o *Orchestrator) repayOne(ctx context.Context, pool common.Address, target ledger.Debt) (string, error) {
	current, err := o.gateway.GetUserDebts(ctx, pool)
	if err != nil {
		return "", fmt.Errorf("failed to refresh debts: %w", err)
	}

	for _, debt := range current {
		if debt.Repaid || !debt.Same(target) {
			continue
		}
		return o.gateway.RepayDebt(ctx, pool, debt.Index, debt.Amount)
	}
	return "", nil
}

func errorResult(message string) Result {
	return Result{Status: StatusError, Message: message}
}
