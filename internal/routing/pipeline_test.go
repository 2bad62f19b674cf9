package routing

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sazuyakun/Project-Aegis/internal/fallback"
	"github.com/sazuyakun/Project-Aegis/internal/liveness"
	"github.com/sazuyakun/Project-Aegis/internal/queue"
)

const liveTopic = "bank_tx_processing"

type fakeRecommender struct {
	pool string
	err  error

	calls int
}

func (f *fakeRecommender) OptimalPool(ctx context.Context, geo queue.GeoLocation) (string, error) {
	f.calls++
	return f.pool, f.err
}

type fakePayer struct {
	err error

	merchants []string
	amounts   []decimal.Decimal
}

func (f *fakePayer) Pay(ctx context.Context, merchant string, amount decimal.Decimal) (*fallback.Report, error) {
	f.merchants = append(f.merchants, merchant)
	f.amounts = append(f.amounts, amount)
	if f.err != nil {
		return nil, f.err
	}
	return &fallback.Report{Status: fallback.StatusCompleted, TotalProcessed: amount}, nil
}

type fixture struct {
	pipeline    *Pipeline
	inbound     *queue.MemoryQueue
	recovery    *queue.MemoryQueue
	bus         *queue.Bus
	registry    *liveness.Registry
	recommender *fakeRecommender
	payer       *fakePayer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		inbound:     queue.NewMemoryQueue("transaction_requests", 50*time.Millisecond),
		recovery:    queue.NewMemoryQueue("recovery_payments", 50*time.Millisecond),
		bus:         queue.NewBus(),
		registry:    liveness.NewRegistry(),
		recommender: &fakeRecommender{},
		payer:       &fakePayer{},
	}
	t.Cleanup(func() {
		f.inbound.Close()
		f.recovery.Close()
		f.bus.Close()
	})

	f.pipeline = New(f.inbound, f.recovery, f.bus, f.registry, f.recommender, f.payer, Config{
		LiveTopic: liveTopic,
	}, slog.Default())
	return f
}

func request(rail string) queue.PaymentRequest {
	return queue.PaymentRequest{
		ID:              "tx-1",
		UserID:          "user-1",
		MerchantAddress: "0xBBBB000000000000000000000000000000000002",
		Amount:          decimal.NewFromInt(25),
		SelectedRail:    rail,
	}
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := queue.Encode(v)
	require.NoError(t, err)
	return raw
}

func popRecovery(t *testing.T, f *fixture) queue.RecoveryItem {
	t.Helper()
	raw, err := f.recovery.Pop(context.Background())
	require.NoError(t, err)
	var item queue.RecoveryItem
	require.NoError(t, queue.Decode(raw, &item))
	return item
}

func TestProcessUpRailRoutesToLiveTopic(t *testing.T) {
	f := newFixture(t)
	f.registry.SetStatus("bank_a", liveness.StatusUp)
	sub := f.bus.Subscribe(liveTopic)

	payload := encode(t, request("bank_a"))
	f.pipeline.process(context.Background(), payload)

	select {
	case msg := <-sub:
		assert.Equal(t, payload, msg, "request must be forwarded unchanged")
	case <-time.After(time.Second):
		t.Fatal("nothing published to live topic")
	}

	n, err := f.recovery.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "up rail must not create recovery items")
	assert.Empty(t, f.payer.merchants)
}

func TestProcessDownRailQueuesExactlyOneRecoveryItem(t *testing.T) {
	f := newFixture(t)
	f.registry.SetStatus("bank_a", liveness.StatusDown)
	req := request("bank_a")
	req.PreferredFallbackPool = "0xPool1"

	f.pipeline.process(context.Background(), encode(t, req))

	n, err := f.recovery.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	item := popRecovery(t, f)
	assert.Equal(t, req.ID, item.RecoveryID)
	assert.Equal(t, queue.MethodBankAccount, item.Method)
	assert.Equal(t, "bank_a", item.SelectedRail)
	assert.True(t, item.Amount.Equal(req.Amount))

	// The immediate fallback runs against the request's merchant.
	require.Len(t, f.payer.merchants, 1)
	assert.Equal(t, req.MerchantAddress, f.payer.merchants[0])
	assert.True(t, f.payer.amounts[0].Equal(req.Amount))
}

func TestProcessDownRailPrefersRecommendedPool(t *testing.T) {
	f := newFixture(t)
	f.registry.SetStatus("bank_a", liveness.StatusDown)
	f.recommender.pool = "0xGeoPool"

	req := request("bank_a")
	req.Geo = &queue.GeoLocation{Latitude: 12.97, Longitude: 77.59}
	req.PreferredFallbackPool = "0xPool1"

	f.pipeline.process(context.Background(), encode(t, req))

	assert.Equal(t, 1, f.recommender.calls)
	assert.Len(t, f.payer.merchants, 1)
}

func TestProcessDownRailRecommenderFailureFallsBackToPreferred(t *testing.T) {
	f := newFixture(t)
	f.registry.SetStatus("bank_a", liveness.StatusDown)
	f.recommender.err = errors.New("recommender down")

	req := request("bank_a")
	req.Geo = &queue.GeoLocation{Latitude: 1, Longitude: 2}
	req.PreferredFallbackPool = "0xPool1"

	f.pipeline.process(context.Background(), encode(t, req))

	// Preferred pool still resolves, so the fallback payment runs.
	assert.Len(t, f.payer.merchants, 1)
}

func TestProcessDownRailNoPoolSkipsFallback(t *testing.T) {
	f := newFixture(t)
	f.registry.SetStatus("bank_a", liveness.StatusDown)

	// No geo hint and no preferred pool.
	f.pipeline.process(context.Background(), encode(t, request("bank_a")))

	n, err := f.recovery.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "recovery item still queued")
	assert.Empty(t, f.payer.merchants, "fallback skipped without a pool")
}

func TestProcessDownRailFallbackFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.registry.SetStatus("bank_a", liveness.StatusDown)
	f.payer.err = errors.New("no collateral")

	req := request("bank_a")
	req.PreferredFallbackPool = "0xPool1"
	f.pipeline.process(context.Background(), encode(t, req))

	n, err := f.recovery.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessUnknownRailRequeues(t *testing.T) {
	f := newFixture(t)
	// Rail never reported: registry defaults to unknown.

	f.pipeline.process(context.Background(), encode(t, request("bank_mystery")))

	n, err := f.inbound.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessMissingRailRequeuesNeverDrops(t *testing.T) {
	f := newFixture(t)

	f.pipeline.process(context.Background(), encode(t, request("")))

	n, err := f.inbound.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessMalformedMessageDropped(t *testing.T) {
	f := newFixture(t)

	f.pipeline.process(context.Background(), []byte("{not json"))

	n, err := f.inbound.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "malformed messages are dropped, not requeued")
}

func TestProcessInvalidRequestDropped(t *testing.T) {
	f := newFixture(t)

	req := request("bank_a")
	req.Amount = decimal.Zero
	f.pipeline.process(context.Background(), encode(t, req))

	n, err := f.inbound.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.pipeline.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("pipeline did not stop on cancel")
	}
}

func TestRunProcessesQueuedRequests(t *testing.T) {
	f := newFixture(t)
	f.registry.SetStatus("bank_a", liveness.StatusUp)
	sub := f.bus.Subscribe(liveTopic)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.pipeline.Run(ctx) }()

	require.NoError(t, f.inbound.Push(ctx, encode(t, request("bank_a"))))

	select {
	case <-sub:
	case <-time.After(2 * time.Second):
		t.Fatal("queued request was not routed")
	}
}
