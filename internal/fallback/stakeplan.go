package fallback

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/sazuyakun/Project-Aegis/internal/ledger"
	"github.com/sazuyakun/Project-Aegis/internal/token"
)

// Stake distribution statuses.
const (
	StakeStatusSuccess        = "success"
	StakeStatusPartialSuccess = "partial_success"
)

var ErrNoActivePools = errors.New("fallback: no active pools available for staking")

// Allocation is one pool's share of a distributed stake.
type Allocation struct {
	Pool   string          `json:"poolId"`
	Amount decimal.Decimal `json:"amount"`
}

// StakeResult is one confirmed per-pool stake.
type StakeResult struct {
	Pool   string          `json:"poolId"`
	Amount decimal.Decimal `json:"amount"`
	TxHash string          `json:"transaction_hash"`
}

// StakeFailure is one pool whose stake could not be sent.
type StakeFailure struct {
	Pool   string          `json:"poolId"`
	Amount decimal.Decimal `json:"amount"`
	Error  string          `json:"error"`
}

// StakeReport summarizes a distributed stake run.
type StakeReport struct {
	TotalDistributed decimal.Decimal `json:"total_amount_distributed"`
	Successful       []StakeResult   `json:"successful_stakes"`
	Failed           []StakeFailure  `json:"failed_stakes"`
	Strategy         string          `json:"distribution_strategy"`
	Status           string          `json:"status"`
}

// PlanInverseLiquidity splits total across pools with weights inverse
// to their liquidity, so shallow pools receive the larger shares. Each
// weight is 1/(liquidity + base) where base is max(0.1*minLiquidity, 1);
// the base keeps an empty pool from absorbing the entire amount.
// Shares are rounded to 6 decimal places. Pool order is preserved.
func PlanInverseLiquidity(pools []ledger.Pool, total decimal.Decimal) []Allocation {
	if len(pools) == 0 {
		return nil
	}

	minLiquidity := pools[0].TotalLiquidity
	for _, pool := range pools[1:] {
		if pool.TotalLiquidity.LessThan(minLiquidity) {
			minLiquidity = pool.TotalLiquidity
		}
	}
	base := decimal.Max(minLiquidity.Mul(decimal.RequireFromString("0.1")), decimal.NewFromInt(1))

	weights := make([]decimal.Decimal, len(pools))
	totalWeight := decimal.Zero
	for i, pool := range pools {
		weights[i] = decimal.NewFromInt(1).Div(pool.TotalLiquidity.Add(base))
		totalWeight = totalWeight.Add(weights[i])
	}

	allocations := make([]Allocation, len(pools))
	for i, pool := range pools {
		share := total.Mul(weights[i]).Div(totalWeight).Round(6)
		allocations[i] = Allocation{Pool: pool.ID, Amount: share}
	}
	return allocations
}

// DistributeStake plans an inverse-liquidity split across active pools
// and stakes each share independently. A failed per-pool stake is
// collected, not fatal.
func (d *Distributor) DistributeStake(ctx context.Context, total decimal.Decimal) (*StakeReport, error) {
	if !total.IsPositive() {
		return nil, ErrInvalidAmount
	}

	pools, err := d.gateway.GetPools(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]ledger.Pool, 0, len(pools))
	for _, pool := range pools {
		if pool.Status == ledger.PoolActive {
			active = append(active, pool)
		}
	}
	if len(active) == 0 {
		return nil, ErrNoActivePools
	}

	report := &StakeReport{
		TotalDistributed: total,
		Strategy:         "inverse_liquidity",
	}

	for _, alloc := range PlanInverseLiquidity(active, total) {
		if !alloc.Amount.IsPositive() {
			continue
		}
		hash, err := d.gateway.Stake(ctx, common.HexToAddress(alloc.Pool), token.ToUnits(alloc.Amount))
		if err != nil {
			d.logger.Error("stake failed", "pool", alloc.Pool, "amount", alloc.Amount, "error", err)
			report.Failed = append(report.Failed, StakeFailure{
				Pool:   alloc.Pool,
				Amount: alloc.Amount,
				Error:  err.Error(),
			})
			continue
		}
		d.logger.Info("stake confirmed", "pool", alloc.Pool, "amount", alloc.Amount, "tx", hash)
		report.Successful = append(report.Successful, StakeResult{
			Pool:   alloc.Pool,
			Amount: alloc.Amount,
			TxHash: hash,
		})
	}

	if len(report.Failed) > 0 {
		report.Status = StakeStatusPartialSuccess
	} else {
		report.Status = StakeStatusSuccess
	}
	return report, nil
}
