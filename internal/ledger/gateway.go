// Package ledger talks to the on-chain liquidity pools: pool discovery,
// stakes, debts, fallback payments and unstakes.
package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// PoolStatus mirrors the on-chain pool status enum.
type PoolStatus string

const (
	PoolActive   PoolStatus = "active"
	PoolPaused   PoolStatus = "paused"
	PoolInactive PoolStatus = "inactive"
)

// Stake is the signer's position in a pool.
type Stake struct {
	StakedAmount     decimal.Decimal `json:"stakedAmount"`
	CollateralAmount decimal.Decimal `json:"collateralAmount"`
	LPTokens         decimal.Decimal `json:"lpTokens"`
}

// Pool is a point-in-time snapshot of a liquidity pool. Snapshots are
// fetched fresh before every operation and never cached.
type Pool struct {
	ID             string          `json:"id"`
	Region         string          `json:"region"`
	TotalLiquidity decimal.Decimal `json:"totalLiquidity"`
	TotalDebt      decimal.Decimal `json:"totalDebt"`
	Status         PoolStatus      `json:"status"`
	Stake          Stake           `json:"userStake"`
}

// Debt is one entry in a pool's per-user debt list. Index is the
// position within that list at fetch time; the list is volatile, so a
// debt is re-located by its immutable fields before repayment.
type Debt struct {
	Index     int
	Owner     common.Address
	Merchant  common.Address
	Amount    *big.Int
	Timestamp *big.Int
	Repaid    bool
}

// Same reports whether other is the same debt, matching on the
// immutable fields rather than the volatile index.
func (d Debt) Same(other Debt) bool {
	return d.Owner == other.Owner &&
		d.Merchant == other.Merchant &&
		d.Amount != nil && other.Amount != nil && d.Amount.Cmp(other.Amount) == 0 &&
		d.Timestamp != nil && other.Timestamp != nil && d.Timestamp.Cmp(other.Timestamp) == 0
}

// Gateway is the on-chain collaborator contract. Amounts on write
// operations are raw token units (18 decimals).
type Gateway interface {
	// SignerAddress returns the engine's signing address.
	SignerAddress() common.Address

	// GetPools snapshots all pools registered with the factory,
	// including the signer's stake in each.
	GetPools(ctx context.Context) ([]Pool, error)

	// GetUserDebts lists the signer's debts in one pool.
	GetUserDebts(ctx context.Context, pool common.Address) ([]Debt, error)

	// BalanceOf reads the staking token balance of an address.
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)

	// Allowance reads the staking token allowance granted to spender.
	Allowance(ctx context.Context, spender common.Address) (*big.Int, error)

	// Approve grants the spender an allowance if the current one is
	// below amount. Returns the approval tx hash, or "" when the
	// existing allowance already suffices.
	Approve(ctx context.Context, spender common.Address, amount *big.Int) (string, error)

	// SimulateFallbackPay dry-runs fallbackPay without broadcasting.
	SimulateFallbackPay(ctx context.Context, pool, merchant common.Address, amount *big.Int) error

	// FallbackPay pays a merchant from a pool's collateral and waits
	// for confirmation.
	FallbackPay(ctx context.Context, pool, merchant common.Address, amount *big.Int) (string, error)

	// Stake deposits tokens into a pool (approving first if needed).
	Stake(ctx context.Context, pool common.Address, amount *big.Int) (string, error)

	// Unstake burns LP tokens via the factory to recover liquidity.
	Unstake(ctx context.Context, pool common.Address, lpTokens *big.Int) (string, error)

	// CreatePool registers a new regional pool with the factory.
	CreatePool(ctx context.Context, region string) (string, error)

	// RepayDebt repays one debt entry in a pool.
	RepayDebt(ctx context.Context, pool common.Address, debtIndex int, amount *big.Int) (string, error)

	// Ping verifies node connectivity, for health checks.
	Ping(ctx context.Context) error

	Close() error
}

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

const (
	// DefaultGasLimit when gas estimation fails.
	DefaultGasLimit = uint64(300000)

	// DefaultConfirmationTimeout for waiting on transactions.
	DefaultConfirmationTimeout = 120 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)
