// Package ledgertest provides an in-memory Gateway double for tests.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sazuyakun/Project-Aegis/internal/ledger"
)

// Call records one gateway invocation.
type Call struct {
	Method string
	Pool   common.Address
	Amount *big.Int
}

// Gateway is a configurable in-memory ledger.Gateway. The zero value
// plus a Signer is usable; hooks override individual operations.
type Gateway struct {
	Signer  common.Address
	Balance *big.Int
	Pools   []ledger.Pool

	mu          sync.Mutex
	debtsByPool map[common.Address][]ledger.Debt
	calls       []Call
	txSeq       int

	GetPoolsErr error
	BalanceErr  error

	ApproveFn    func(spender common.Address, amount *big.Int) (string, error)
	RepayFn      func(pool common.Address, debtIndex int, amount *big.Int) (string, error)
	SimulateFn   func(pool, merchant common.Address, amount *big.Int) error
	FallbackFn   func(pool, merchant common.Address, amount *big.Int) (string, error)
	StakeFn      func(pool common.Address, amount *big.Int) (string, error)
	UnstakeFn    func(pool common.Address, lpTokens *big.Int) (string, error)
	CreatePoolFn func(region string) (string, error)
}

var _ ledger.Gateway = (*Gateway)(nil)

// SetDebts seeds a pool's debt list.
func (g *Gateway) SetDebts(pool common.Address, debts []ledger.Debt) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.debtsByPool == nil {
		g.debtsByPool = make(map[common.Address][]ledger.Debt)
	}
	g.debtsByPool[pool] = debts
}

// Calls returns every recorded invocation.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallsTo returns the recorded invocations of one method.
func (g *Gateway) CallsTo(method string) []Call {
	var out []Call
	for _, c := range g.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (g *Gateway) record(method string, pool common.Address, amount *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, Call{Method: method, Pool: pool, Amount: amount})
}

func (g *Gateway) nextHash(op string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.txSeq++
	return fmt.Sprintf("0x%s%04d", op, g.txSeq)
}

func (g *Gateway) SignerAddress() common.Address { return g.Signer }

func (g *Gateway) GetPools(ctx context.Context) ([]ledger.Pool, error) {
	g.record("get_pools", common.Address{}, nil)
	if g.GetPoolsErr != nil {
		return nil, g.GetPoolsErr
	}
	return g.Pools, nil
}

func (g *Gateway) GetUserDebts(ctx context.Context, pool common.Address) ([]ledger.Debt, error) {
	g.record("get_user_debts", pool, nil)
	g.mu.Lock()
	defer g.mu.Unlock()
	debts := make([]ledger.Debt, len(g.debtsByPool[pool]))
	copy(debts, g.debtsByPool[pool])
	return debts, nil
}

func (g *Gateway) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	g.record("balance_of", common.Address{}, nil)
	if g.BalanceErr != nil {
		return nil, g.BalanceErr
	}
	if g.Balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(g.Balance), nil
}

func (g *Gateway) Allowance(ctx context.Context, spender common.Address) (*big.Int, error) {
	g.record("allowance", spender, nil)
	return big.NewInt(0), nil
}

func (g *Gateway) Approve(ctx context.Context, spender common.Address, amount *big.Int) (string, error) {
	g.record("approve", spender, amount)
	if g.ApproveFn != nil {
		return g.ApproveFn(spender, amount)
	}
	return g.nextHash("approve"), nil
}

func (g *Gateway) SimulateFallbackPay(ctx context.Context, pool, merchant common.Address, amount *big.Int) error {
	g.record("simulate_fallback_pay", pool, amount)
	if g.SimulateFn != nil {
		return g.SimulateFn(pool, merchant, amount)
	}
	return nil
}

func (g *Gateway) FallbackPay(ctx context.Context, pool, merchant common.Address, amount *big.Int) (string, error) {
	g.record("fallback_pay", pool, amount)
	if g.FallbackFn != nil {
		return g.FallbackFn(pool, merchant, amount)
	}
	return g.nextHash("fallback"), nil
}

func (g *Gateway) Stake(ctx context.Context, pool common.Address, amount *big.Int) (string, error) {
	g.record("stake", pool, amount)
	if g.StakeFn != nil {
		return g.StakeFn(pool, amount)
	}
	return g.nextHash("stake"), nil
}

func (g *Gateway) Unstake(ctx context.Context, pool common.Address, lpTokens *big.Int) (string, error) {
	g.record("unstake", pool, lpTokens)
	if g.UnstakeFn != nil {
		return g.UnstakeFn(pool, lpTokens)
	}
	return g.nextHash("unstake"), nil
}

func (g *Gateway) CreatePool(ctx context.Context, region string) (string, error) {
	g.record("create_pool", common.Address{}, nil)
	if g.CreatePoolFn != nil {
		return g.CreatePoolFn(region)
	}
	return g.nextHash("createpool"), nil
}

// RepayDebt marks the matching seeded debt repaid, mirroring the chain
// so a re-fetch sees the updated list.
func (g *Gateway) RepayDebt(ctx context.Context, pool common.Address, debtIndex int, amount *big.Int) (string, error) {
	g.record("repay_debt", pool, amount)
	if g.RepayFn != nil {
		return g.RepayFn(pool, debtIndex, amount)
	}

	g.mu.Lock()
	debts := g.debtsByPool[pool]
	if debtIndex < 0 || debtIndex >= len(debts) {
		g.mu.Unlock()
		return "", fmt.Errorf("ledgertest: no debt at index %d", debtIndex)
	}
	debts[debtIndex].Repaid = true
	g.mu.Unlock()

	return g.nextHash("repay"), nil
}

func (g *Gateway) Ping(ctx context.Context) error { return nil }

func (g *Gateway) Close() error { return nil }
