package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sazuyakun/Project-Aegis/internal/config"
	"github.com/sazuyakun/Project-Aegis/internal/fallback"
	"github.com/sazuyakun/Project-Aegis/internal/health"
	"github.com/sazuyakun/Project-Aegis/internal/ledger"
	"github.com/sazuyakun/Project-Aegis/internal/liveness"
	"github.com/sazuyakun/Project-Aegis/internal/queue"
	"github.com/sazuyakun/Project-Aegis/internal/repay"
	"github.com/sazuyakun/Project-Aegis/internal/token"
)

type fakeRepayer struct {
	result repay.Result
	rails  []string
}

func (f *fakeRepayer) RepayAll(ctx context.Context, rail string) repay.Result {
	f.rails = append(f.rails, rail)
	return f.result
}

type fakePayer struct {
	report    *fallback.Report
	err       error
	merchants []string
	amounts   []decimal.Decimal
}

func (f *fakePayer) Pay(ctx context.Context, merchant string, amount decimal.Decimal) (*fallback.Report, error) {
	f.merchants = append(f.merchants, merchant)
	f.amounts = append(f.amounts, amount)
	return f.report, f.err
}

type fakeStaker struct {
	report *fallback.StakeReport
	err    error
	totals []decimal.Decimal
}

func (f *fakeStaker) DistributeStake(ctx context.Context, total decimal.Decimal) (*fallback.StakeReport, error) {
	f.totals = append(f.totals, total)
	return f.report, f.err
}

type fakePoolAdmin struct {
	err     error
	pools   []common.Address
	amounts []*big.Int
	regions []string
}

func (f *fakePoolAdmin) Stake(ctx context.Context, pool common.Address, amount *big.Int) (string, error) {
	f.pools = append(f.pools, pool)
	f.amounts = append(f.amounts, amount)
	if f.err != nil {
		return "", f.err
	}
	return "0xstake0001", nil
}

func (f *fakePoolAdmin) CreatePool(ctx context.Context, region string) (string, error) {
	f.regions = append(f.regions, region)
	if f.err != nil {
		return "", f.err
	}
	return "0xcreatepool0001", nil
}

type fixture struct {
	server   *Server
	inbound  *queue.MemoryQueue
	registry *liveness.Registry
	repayer  *fakeRepayer
	payer    *fakePayer
	staker   *fakeStaker
	checks   *health.Registry
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		inbound:  queue.NewMemoryQueue("transaction_requests", 50*time.Millisecond),
		registry: liveness.NewRegistry(),
		repayer:  &fakeRepayer{result: repay.Result{Status: repay.StatusSuccess}},
		payer:    &fakePayer{report: &fallback.Report{Status: fallback.StatusCompleted}},
		staker:   &fakeStaker{report: &fallback.StakeReport{Status: fallback.StakeStatusSuccess}},
		checks:   health.NewRegistry(),
	}
	t.Cleanup(f.inbound.Close)

	cfg := &config.Config{Port: "0", Env: "development"}
	opts = append([]Option{WithHealthRegistry(f.checks)}, opts...)
	f.server = New(cfg, f.inbound, f.registry, f.repayer, f.payer, f.staker, opts...)
	return f
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func TestSubmitPaymentEnqueues(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/payments", map[string]any{
		"transaction_id":   "tx-001",
		"user_id":          "user-1",
		"merchant_address": "0x1111111111111111111111111111111111111111",
		"amount":           "125.50",
		"selected_bank":    "bank1",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "tx-001", resp["transaction_id"])
	assert.Equal(t, "queued", resp["status"])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := f.inbound.Pop(ctx)
	require.NoError(t, err)

	var queued queue.PaymentRequest
	require.NoError(t, queue.Decode(payload, &queued))
	assert.Equal(t, "tx-001", queued.ID)
	assert.Equal(t, "bank1", queued.SelectedRail)
	assert.True(t, decimal.RequireFromString("125.50").Equal(queued.Amount))
	assert.False(t, queued.Timestamp.IsZero())
}

func TestSubmitPaymentAssignsID(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/payments", map[string]any{
		"user_id":          "user-1",
		"merchant_address": "0x1111111111111111111111111111111111111111",
		"amount":           "10",
		"selected_bank":    "bank1",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["transaction_id"])
}

func TestSubmitPaymentRejectsInvalid(t *testing.T) {
	f := newFixture(t)

	// Non-positive amount fails validation before anything is queued.
	w := f.do(http.MethodPost, "/payments", map[string]any{
		"user_id":          "user-1",
		"merchant_address": "0x1111111111111111111111111111111111111111",
		"amount":           "0",
		"selected_bank":    "bank1",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	n, err := f.inbound.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitPaymentRejectsMalformedJSON(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/payments", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerRepayment(t *testing.T) {
	f := newFixture(t)
	f.repayer.result = repay.Result{
		Status:   repay.StatusSuccess,
		TxHashes: []string{"0xabc"},
	}

	w := f.do(http.MethodPost, "/repayments", map[string]any{"bank_id": "bank1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"bank1"}, f.repayer.rails)

	var result repay.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, repay.StatusSuccess, result.Status)
	assert.Equal(t, []string{"0xabc"}, result.TxHashes)
}

func TestTriggerRepaymentErrorStatus(t *testing.T) {
	f := newFixture(t)
	f.repayer.result = repay.Result{Status: repay.StatusError, Message: "zero token balance"}

	w := f.do(http.MethodPost, "/repayments", map[string]any{"bank_id": "bank1"})
	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestTriggerRepaymentRequiresRail(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/repayments", map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.repayer.rails)
}

func TestTriggerFallbackPayment(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/fallback-payments", map[string]any{
		"merchant_address": "0x2222222222222222222222222222222222222222",
		"amount":           "70",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.payer.merchants, 1)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", f.payer.merchants[0])
	assert.True(t, decimal.NewFromInt(70).Equal(f.payer.amounts[0]))
}

func TestFallbackErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid amount", fallback.ErrInvalidAmount, http.StatusBadRequest},
		{"invalid merchant", fallback.ErrInvalidMerchant, http.StatusBadRequest},
		{"exceeds collateral", fallback.ErrExceedsCollateral, http.StatusConflict},
		{"insufficient balance", fallback.ErrInsufficientBalance, http.StatusConflict},
		{"no collateral", fallback.ErrNoCollateral, http.StatusConflict},
		{"gateway failure", errors.New("rpc: connection refused"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.payer.report = nil
			f.payer.err = tt.err

			w := f.do(http.MethodPost, "/fallback-payments", map[string]any{
				"merchant_address": "0x2222222222222222222222222222222222222222",
				"amount":           "70",
			})
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestDistributeStake(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/stakes/distributed", map[string]any{"total_amount": "100"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.staker.totals, 1)
	assert.True(t, decimal.NewFromInt(100).Equal(f.staker.totals[0]))
}

func TestDistributeStakeNoActivePools(t *testing.T) {
	f := newFixture(t)
	f.staker.report = nil
	f.staker.err = fallback.ErrNoActivePools

	w := f.do(http.MethodPost, "/stakes/distributed", map[string]any{"total_amount": "100"})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestStakeInPool(t *testing.T) {
	pa := &fakePoolAdmin{}
	f := newFixture(t, WithPoolAdmin(pa))

	pool := "0x3333333333333333333333333333333333333333"
	w := f.do(http.MethodPost, "/stakes", map[string]any{
		"pool_address": pool,
		"amount":       "25",
	})
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, pa.pools, 1)
	assert.Equal(t, common.HexToAddress(pool), pa.pools[0])
	assert.Zero(t, pa.amounts[0].Cmp(token.ToUnits(decimal.NewFromInt(25))))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "0xstake0001", resp["tx_hash"])
}

func TestStakeInPoolRejectsBadInput(t *testing.T) {
	pa := &fakePoolAdmin{}
	f := newFixture(t, WithPoolAdmin(pa))

	w := f.do(http.MethodPost, "/stakes", map[string]any{
		"pool_address": "not-an-address",
		"amount":       "25",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/stakes", map[string]any{
		"pool_address": "0x3333333333333333333333333333333333333333",
		"amount":       "0",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, pa.pools)
}

func TestStakeInPoolInsufficientFunds(t *testing.T) {
	pa := &fakePoolAdmin{err: ledger.ErrInsufficientFunds}
	f := newFixture(t, WithPoolAdmin(pa))

	w := f.do(http.MethodPost, "/stakes", map[string]any{
		"pool_address": "0x3333333333333333333333333333333333333333",
		"amount":       "25",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreatePool(t *testing.T) {
	pa := &fakePoolAdmin{}
	f := newFixture(t, WithPoolAdmin(pa))

	w := f.do(http.MethodPost, "/pools", map[string]any{"region_name": "ap-south"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{"ap-south"}, pa.regions)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "0xcreatepool0001", resp["tx_hash"])
}

func TestCreatePoolRequiresRegion(t *testing.T) {
	pa := &fakePoolAdmin{}
	f := newFixture(t, WithPoolAdmin(pa))

	w := f.do(http.MethodPost, "/pools", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, pa.regions)
}

func TestPoolRoutesAbsentWithoutAdmin(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/pools", map[string]any{"region_name": "ap-south"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthzReportsRailsAndChecks(t *testing.T) {
	f := newFixture(t)
	f.registry.SetStatus("bank1", liveness.StatusUp)
	f.registry.SetStatus("bank2", liveness.StatusDown)
	f.checks.Register("queue", func(ctx context.Context) health.Status {
		return health.Status{Name: "queue", Healthy: true}
	})

	w := f.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status string                     `json:"status"`
		Rails  map[string]liveness.Status `json:"rails"`
		Checks []health.Status            `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, liveness.StatusUp, resp.Rails["bank1"])
	assert.Equal(t, liveness.StatusDown, resp.Rails["bank2"])
	require.Len(t, resp.Checks, 1)
	assert.True(t, resp.Checks[0].Healthy)
}

func TestHealthzUnhealthySubsystem(t *testing.T) {
	f := newFixture(t)
	f.checks.Register("ledger", func(ctx context.Context) health.Status {
		return health.Status{Name: "ledger", Healthy: false, Detail: "rpc unreachable"}
	})

	w := f.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type staticWorkers map[string]bool

func (s staticWorkers) Running() map[string]bool { return s }

func TestHealthzIncludesWorkers(t *testing.T) {
	f := newFixture(t, WithWorkerStatus(staticWorkers{"router": true, "recovery": false}))

	w := f.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Workers map[string]bool `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Workers["router"])
	assert.False(t, resp.Workers["recovery"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aegis_")
}
