package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/sazuyakun/Project-Aegis/internal/metrics"
	"github.com/sazuyakun/Project-Aegis/internal/token"
)

// Config for creating an EthGateway.
type Config struct {
	RPCURL             string
	PrivateKey         string // Hex string, 0x prefix optional
	ChainID            int64
	FactoryContract    string
	TokenContract      string
	ValidateViaFactory bool
	ConfirmTimeout     time.Duration
}

// Option configures the gateway.
type Option func(*EthGateway)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(g *EthGateway) {
		g.client = client
	}
}

// EthGateway implements Gateway against a real Ethereum node.
type EthGateway struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int

	factory common.Address
	token   common.Address

	factoryABI abi.ABI
	poolABI    abi.ABI
	tokenABI   abi.ABI

	validatePool   bool
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// Compile-time interface check
var _ Gateway = (*EthGateway)(nil)

// New creates an EthGateway and connects to the node unless a client is
// injected via WithClient.
func New(cfg Config, opts ...Option) (*EthGateway, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	factoryParsed, err := abi.JSON(strings.NewReader(poolFactoryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PoolFactory ABI: %w", err)
	}
	poolParsed, err := abi.JSON(strings.NewReader(liquidityPoolABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse LiquidityPool ABI: %w", err)
	}
	tokenParsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout == 0 {
		confirmTimeout = DefaultConfirmationTimeout
	}

	g := &EthGateway{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(*publicKey),
		chainID:        big.NewInt(cfg.ChainID),
		factory:        common.HexToAddress(cfg.FactoryContract),
		token:          common.HexToAddress(cfg.TokenContract),
		factoryABI:     factoryParsed,
		poolABI:        poolParsed,
		tokenABI:       tokenParsed,
		validatePool:   cfg.ValidateViaFactory,
		confirmTimeout: confirmTimeout,
		pollInterval:   ConfirmationPollInterval,
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		g.client = client
	}

	return g, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return errors.New("chain ID required")
	}
	if cfg.FactoryContract == "" {
		return errors.New("pool factory contract address required")
	}
	if cfg.TokenContract == "" {
		return errors.New("staking token contract address required")
	}
	return nil
}

func (g *EthGateway) SignerAddress() common.Address { return g.address }

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

func (g *EthGateway) call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	raw, err := g.client.CallContract(ctx, ethereum.CallMsg{
		From: g.address,
		To:   &to,
		Data: data,
	}, nil)
	if err != nil {
		metrics.LedgerCallsTotal.WithLabelValues(method, "error").Inc()
		return nil, translate(fmt.Errorf("failed to call %s: %w", method, err))
	}

	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		metrics.LedgerCallsTotal.WithLabelValues(method, "error").Inc()
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	metrics.LedgerCallsTotal.WithLabelValues(method, "ok").Inc()
	return out, nil
}

// GetPools snapshots every pool registered with the factory. Pools
// whose reads fail are skipped, matching the best-effort read side.
func (g *EthGateway) GetPools(ctx context.Context) ([]Pool, error) {
	out, err := g.call(ctx, g.factory, g.factoryABI, "getPools")
	if err != nil {
		return nil, err
	}
	addresses := *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address)

	pools := make([]Pool, 0, len(addresses))
	for _, addr := range addresses {
		pool, err := g.snapshotPool(ctx, addr)
		if err != nil {
			slog.Warn("skipping unreadable pool", "pool", addr.Hex(), "error", err)
			continue
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

func (g *EthGateway) snapshotPool(ctx context.Context, addr common.Address) (Pool, error) {
	pool := Pool{ID: addr.Hex()}

	out, err := g.call(ctx, addr, g.poolABI, "regionName")
	if err != nil {
		return pool, err
	}
	pool.Region = *abi.ConvertType(out[0], new(string)).(*string)

	out, err = g.call(ctx, addr, g.poolABI, "totalLiquidity")
	if err != nil {
		return pool, err
	}
	pool.TotalLiquidity = token.FromUnits(*abi.ConvertType(out[0], new(*big.Int)).(**big.Int))

	out, err = g.call(ctx, addr, g.poolABI, "getTotalDebt")
	if err != nil {
		return pool, err
	}
	pool.TotalDebt = token.FromUnits(*abi.ConvertType(out[0], new(*big.Int)).(**big.Int))

	out, err = g.call(ctx, addr, g.poolABI, "getPoolStatus")
	if err != nil {
		return pool, err
	}
	pool.Status = poolStatus(*abi.ConvertType(out[0], new(uint8)).(*uint8))

	out, err = g.call(ctx, addr, g.poolABI, "getStake", g.address)
	if err != nil {
		return pool, err
	}
	pool.Stake = Stake{
		StakedAmount:     token.FromUnits(*abi.ConvertType(out[0], new(*big.Int)).(**big.Int)),
		CollateralAmount: token.FromUnits(*abi.ConvertType(out[1], new(*big.Int)).(**big.Int)),
		LPTokens:         token.FromUnits(*abi.ConvertType(out[2], new(*big.Int)).(**big.Int)),
	}
	return pool, nil
}

func poolStatus(raw uint8) PoolStatus {
	switch raw {
	case 0:
		return PoolActive
	case 1:
		return PoolPaused
	default:
		return PoolInactive
	}
}

func (g *EthGateway) GetUserDebts(ctx context.Context, pool common.Address) ([]Debt, error) {
	if err := g.resolvePool(ctx, pool); err != nil {
		return nil, err
	}

	out, err := g.call(ctx, pool, g.poolABI, "getUserDebts", g.address)
	if err != nil {
		return nil, err
	}

	raw := *abi.ConvertType(out[0], new([]struct {
		Owner     common.Address
		Merchant  common.Address
		Amount    *big.Int
		Timestamp *big.Int
		Repaid    bool
	})).(*[]struct {
		Owner     common.Address
		Merchant  common.Address
		Amount    *big.Int
		Timestamp *big.Int
		Repaid    bool
	})

	debts := make([]Debt, 0, len(raw))
	for i, d := range raw {
		debts = append(debts, Debt{
			Index:     i,
			Owner:     d.Owner,
			Merchant:  d.Merchant,
			Amount:    d.Amount,
			Timestamp: d.Timestamp,
			Repaid:    d.Repaid,
		})
	}
	return debts, nil
}

func (g *EthGateway) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	out, err := g.call(ctx, g.token, g.tokenABI, "balanceOf", addr)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (g *EthGateway) Allowance(ctx context.Context, spender common.Address) (*big.Int, error) {
	out, err := g.call(ctx, g.token, g.tokenABI, "allowance", g.address, spender)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (g *EthGateway) SimulateFallbackPay(ctx context.Context, pool, merchant common.Address, amount *big.Int) error {
	data, err := g.poolABI.Pack("fallbackPay", merchant, amount)
	if err != nil {
		return fmt.Errorf("failed to pack fallbackPay call: %w", err)
	}
	_, err = g.client.CallContract(ctx, ethereum.CallMsg{
		From: g.address,
		To:   &pool,
		Data: data,
	}, nil)
	return translate(err)
}

func (g *EthGateway) Ping(ctx context.Context) error {
	_, err := g.client.NetworkID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	return nil
}

// resolvePool validates a pool address against the factory registry
// when enabled. An unregistered pool is only a warning; a factory
// lookup returning a different address is an error. Lookup failures
// are warnings too: validation must not block payments.
func (g *EthGateway) resolvePool(ctx context.Context, pool common.Address) error {
	if !g.validatePool {
		return nil
	}

	out, err := g.call(ctx, g.factory, g.factoryABI, "pools", pool)
	if err != nil {
		slog.Warn("pool validation lookup failed", "pool", pool.Hex(), "error", err)
		return nil
	}
	registered := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)

	switch {
	case registered == (common.Address{}):
		slog.Warn("pool not registered in factory", "pool", pool.Hex())
	case registered != pool:
		return fmt.Errorf("%w: got %s for %s", ErrPoolMismatch, registered.Hex(), pool.Hex())
	}
	return nil
}

// -----------------------------------------------------------------------------
// Writes
// -----------------------------------------------------------------------------

// Approve grants spender an allowance if the current one is below
// amount. Returns "" when no transaction was needed.
func (g *EthGateway) Approve(ctx context.Context, spender common.Address, amount *big.Int) (string, error) {
	current, err := g.Allowance(ctx, spender)
	if err != nil {
		return "", &TxError{Op: "allowance", Err: err}
	}
	if current.Cmp(amount) >= 0 {
		return "", nil
	}

	data, err := g.tokenABI.Pack("approve", spender, amount)
	if err != nil {
		return "", &TxError{Op: "approve", Err: err}
	}
	return g.sendAndConfirm(ctx, "approve", g.token, data)
}

func (g *EthGateway) FallbackPay(ctx context.Context, pool, merchant common.Address, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: fallback amount must be positive", ErrInvalidAmount)
	}
	if err := g.resolvePool(ctx, pool); err != nil {
		return "", err
	}

	data, err := g.poolABI.Pack("fallbackPay", merchant, amount)
	if err != nil {
		return "", &TxError{Op: "fallback_pay", Err: err}
	}
	return g.sendAndConfirm(ctx, "fallback_pay", pool, data)
}

func (g *EthGateway) Stake(ctx context.Context, pool common.Address, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: stake amount must be positive", ErrInvalidAmount)
	}
	if err := g.resolvePool(ctx, pool); err != nil {
		return "", err
	}

	if _, err := g.Approve(ctx, pool, amount); err != nil {
		return "", err
	}

	data, err := g.poolABI.Pack("stake", amount)
	if err != nil {
		return "", &TxError{Op: "stake", Err: err}
	}
	return g.sendAndConfirm(ctx, "stake", pool, data)
}

func (g *EthGateway) Unstake(ctx context.Context, pool common.Address, lpTokens *big.Int) (string, error) {
	if lpTokens == nil || lpTokens.Sign() <= 0 {
		return "", fmt.Errorf("%w: lp token amount must be positive", ErrInvalidAmount)
	}

	data, err := g.factoryABI.Pack("unstakeFromPool", pool, lpTokens)
	if err != nil {
		return "", &TxError{Op: "unstake", Err: err}
	}
	return g.sendAndConfirm(ctx, "unstake", g.factory, data)
}

func (g *EthGateway) CreatePool(ctx context.Context, region string) (string, error) {
	if region == "" {
		return "", fmt.Errorf("%w: region must not be empty", ErrInvalidRegion)
	}

	data, err := g.factoryABI.Pack("createPool", region)
	if err != nil {
		return "", &TxError{Op: "create_pool", Err: err}
	}
	return g.sendAndConfirm(ctx, "create_pool", g.factory, data)
}

func (g *EthGateway) RepayDebt(ctx context.Context, pool common.Address, debtIndex int, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: repay amount must be positive", ErrInvalidAmount)
	}
	if err := g.resolvePool(ctx, pool); err != nil {
		return "", err
	}

	data, err := g.poolABI.Pack("repayDebt", big.NewInt(int64(debtIndex)), amount)
	if err != nil {
		return "", &TxError{Op: "repay_debt", Err: err}
	}
	return g.sendAndConfirm(ctx, "repay_debt", pool, data)
}

// sendAndConfirm signs, broadcasts and waits for a receipt.
func (g *EthGateway) sendAndConfirm(ctx context.Context, op string, to common.Address, data []byte) (string, error) {
	nonce, err := g.client.PendingNonceAt(ctx, g.address)
	if err != nil {
		metrics.LedgerCallsTotal.WithLabelValues(op, "error").Inc()
		return "", &TxError{Op: op, Err: fmt.Errorf("nonce: %w", err)}
	}

	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		metrics.LedgerCallsTotal.WithLabelValues(op, "error").Inc()
		return "", &TxError{Op: op, Err: fmt.Errorf("gas price: %w", err)}
	}

	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Estimation failure on a reverting call surfaces here; the
		// send below would burn gas, so bail out instead.
		if terr := translate(err); errors.Is(terr, ErrReverted) || errors.Is(terr, ErrInsufficientFunds) {
			metrics.LedgerCallsTotal.WithLabelValues(op, "error").Inc()
			return "", &TxError{Op: op, Err: terr}
		}
		gasLimit = DefaultGasLimit
	} else {
		gasLimit = gasLimit * 120 / 100
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), g.privateKey)
	if err != nil {
		return "", &TxError{Op: op, Err: fmt.Errorf("sign: %w", err)}
	}

	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		metrics.LedgerCallsTotal.WithLabelValues(op, "error").Inc()
		return "", &TxError{Op: op, TxHash: signedTx.Hash().Hex(), Err: translate(err)}
	}

	hash := signedTx.Hash().Hex()
	slog.Info("transaction sent", "op", op, "tx", hash, "gas", gasLimit)

	if err := g.waitForConfirmation(ctx, op, signedTx.Hash()); err != nil {
		metrics.LedgerCallsTotal.WithLabelValues(op, "error").Inc()
		return "", err
	}
	metrics.LedgerCallsTotal.WithLabelValues(op, "ok").Inc()
	return hash, nil
}

func (g *EthGateway) waitForConfirmation(ctx context.Context, op string, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &TxError{Op: op, TxHash: hash.Hex(), Err: ErrTimeout}
			}
			return ctx.Err()

		case <-ticker.C:
			receipt, err := g.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep waiting.
				continue
			}
			if receipt.Status == 0 {
				return &TxError{Op: op, TxHash: hash.Hex(), Err: ErrTransactionFailed}
			}
			slog.Info("transaction confirmed", "op", op, "tx", hash.Hex(), "block", receipt.BlockNumber.Uint64())
			return nil
		}
	}
}

// Close closes the client connection.
func (g *EthGateway) Close() error {
	if g.client != nil {
		g.client.Close()
	}
	return nil
}
