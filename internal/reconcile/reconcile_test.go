package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crypto-futures-trader/internal/closer"
	"crypto-futures-trader/internal/executor"
	"crypto-futures-trader/internal/guard"
	"crypto-futures-trader/internal/ledger"
	"crypto-futures-trader/internal/metrics"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
)

type flipRecorder struct{ reqs []model.FlipRequest }

func (f *flipRecorder) EnqueueFlip(r model.FlipRequest) { f.reqs = append(f.reqs, r) }

type fixture struct {
	sim    *executor.Simulator
	ledger *ledger.Ledger
	guard  *guard.Coordinator
	flips  *flipRecorder
	reg    *prometheus.Registry
	loop   *Loop
	clock  time.Time
}

func newFixture(t *testing.T, flip bool) *fixture {
	t.Helper()
	f := &fixture{
		sim: executor.NewSimulator(executor.SimulatorConfig{
			InitialCapital: 1000,
			Filters:        model.SymbolFilters{StepSize: 0.001},
			DualSide:       true,
		}, zap.NewNop()),
		ledger: ledger.New(),
		guard:  guard.NewCoordinator(service.GuardConfig{MinWindow: 8 * time.Second, WindowFactor: 1.5}),
		flips:  &flipRecorder{},
		reg:    prometheus.NewRegistry(),
		clock:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.sim.SetPrice("BTCUSDT", 40000)
	f.loop = NewLoop(service.ReconcileConfig{MissThreshold: 2, MinMissSpacing: time.Second}, flip,
		f.sim, f.ledger, f.guard, metrics.New(f.reg), f.flips, zap.NewNop())
	f.loop.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) book(t *testing.T, key ledger.LegKey, id string, qty float64, sig ...string) {
	t.Helper()
	require.True(t, f.ledger.AppendEntry(key, ledger.Entry{LedgerID: id, Qty: qty, EntryPrice: 40000, Margin: qty * 2000, Signature: sig}))
}

var longKey = ledger.LegKey{Symbol: "BTCUSDT", Interval: "1m", Side: model.SideBuy}

func TestSingleEmptyReadDoesNotPurge(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.book(t, longKey, "A", 0.01, "rsi")
	ctx := context.Background()

	res, err := f.loop.Run(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, res.Purged)
	assert.InDelta(t, 0.01, f.ledger.TotalQtyForSide(longKey), 1e-12)
	assert.Equal(t, 1, f.loop.Misses("BTCUSDT", model.SideBuy))

	// 间隔不足，视为同一次空读
	f.clock = f.clock.Add(200 * time.Millisecond)
	res, err = f.loop.Run(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, res.Purged)
	assert.Equal(t, 1, f.loop.Misses("BTCUSDT", model.SideBuy))

	f.clock = f.clock.Add(2 * time.Second)
	res, err = f.loop.Run(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, res.Purged, 1)
	assert.Equal(t, "A", res.Purged[0].Entry.LedgerID)
	assert.Zero(t, f.ledger.TotalQtyForSide(longKey))
	assert.Zero(t, f.loop.Misses("BTCUSDT", model.SideBuy))
	assert.Equal(t, 1.0, counterValue(t, f.reg, "trader_reconcile_purges_total"))

	assert.True(t, f.guard.SignalBlocked(longKey, "rsi"))
	require.Len(t, f.flips.reqs, 1)
	assert.Equal(t, model.SideSell, f.flips.reqs[0].Side)
	assert.Equal(t, "rsi", f.flips.reqs[0].Indicator)
}

func TestFetchErrorIsNotAMiss(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.book(t, longKey, "A", 0.01, "rsi")
	ctx := context.Background()

	_, err := f.loop.Run(ctx, "BTCUSDT")
	require.NoError(t, err)

	f.clock = f.clock.Add(2 * time.Second)
	f.sim.InjectFault(executor.OpPositions, executor.Transient(errors.New("gateway timeout")))
	_, err = f.loop.Run(ctx, "BTCUSDT")
	require.ErrorIs(t, err, executor.ErrTransient)
	assert.Equal(t, 1, f.loop.Misses("BTCUSDT", model.SideBuy))
	assert.InDelta(t, 0.01, f.ledger.TotalQtyForSide(longKey), 1e-12)
}

func TestExposureResetsMissCounter(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.book(t, longKey, "A", 0.01, "rsi")
	ctx := context.Background()

	_, err := f.loop.Run(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 1, f.loop.Misses("BTCUSDT", model.SideBuy))

	_, err = f.sim.PlaceMarketOrder(ctx, executor.OrderRequest{Symbol: "BTCUSDT", Side: model.SideBuy, Qty: 0.01, Leverage: 20})
	require.NoError(t, err)
	f.clock = f.clock.Add(2 * time.Second)
	res, err := f.loop.Run(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, res.Purged)
	assert.Len(t, res.Positions, 1)
	assert.Zero(t, f.loop.Misses("BTCUSDT", model.SideBuy))
}

func TestPartialExternalReductionScalesLedger(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	ctx := context.Background()
	k5 := ledger.LegKey{Symbol: "BTCUSDT", Interval: "5m", Side: model.SideBuy}
	f.book(t, longKey, "A", 0.006, "rsi")
	f.book(t, k5, "B", 0.004, "macd")

	_, err := f.sim.PlaceMarketOrder(ctx, executor.OrderRequest{Symbol: "BTCUSDT", Side: model.SideBuy, Qty: 0.005, Leverage: 20})
	require.NoError(t, err)

	res, err := f.loop.Run(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scaled)
	assert.InDelta(t, 0.005, f.ledger.SymbolSideQty("BTCUSDT", model.SideBuy), 1e-9)
	assert.InDelta(t, 0.003, f.ledger.TotalQtyForSide(longKey), 1e-9)
	assert.InDelta(t, 0.002, f.ledger.TotalQtyForSide(k5), 1e-9)
	require.NoError(t, f.ledger.Verify())
}

// reconcilingExchange 在平仓成交之后、账本更新之前跑一次对账
type reconcilingExchange struct {
	*executor.Simulator
	loop   *Loop
	result Result
	err    error
}

func (e *reconcilingExchange) CloseLegExact(ctx context.Context, symbol string, qty float64, side model.Side, ps model.PositionSide) (model.OrderResult, error) {
	res, err := e.Simulator.CloseLegExact(ctx, symbol, qty, side, ps)
	if err == nil {
		e.result, e.err = e.loop.Run(ctx, symbol)
	}
	return res, err
}

func TestReconcileDuringCloseKeepsOtherIntervals(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	ctx := context.Background()
	k5 := ledger.LegKey{Symbol: "BTCUSDT", Interval: "5m", Side: model.SideBuy}

	_, err := f.sim.PlaceMarketOrder(ctx, executor.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideBuy, Qty: 0.02, Leverage: 20, PositionSide: model.PositionSideLong,
	})
	require.NoError(t, err)
	f.book(t, longKey, "A", 0.01, "rsi")
	f.book(t, k5, "B", 0.01, "macd")

	ex := &reconcilingExchange{Simulator: f.sim, loop: f.loop}
	c := closer.New(ex, f.ledger, f.guard, nil, executor.RetryPolicy{Attempts: 1}, zap.NewNop())
	c.SetDualSide(true)

	_, a, ok := f.ledger.Entry("A")
	require.True(t, ok)
	_, err = c.Close(ctx, closer.Request{Key: longKey, Entries: []ledger.Entry{a}, Price: 40000, Reason: "signal_reverse", Owner: "1m"})
	require.NoError(t, err)

	require.NoError(t, ex.err)
	assert.Zero(t, ex.result.Scaled)
	assert.Zero(t, f.ledger.TotalQtyForSide(longKey))
	assert.InDelta(t, 0.01, f.ledger.TotalQtyForSide(k5), 1e-12)
	assert.Zero(t, f.guard.PendingCloseQty("BTCUSDT", model.SideBuy))
	require.NoError(t, f.ledger.Verify())

	// 平仓完成后账本与交易所一致，对账不再改动
	res, err := f.loop.Run(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, res.Scaled)
	assert.InDelta(t, 0.01, f.ledger.SymbolSideQty("BTCUSDT", model.SideBuy), 1e-12)
}

func TestFlatLedgerNeverCountsMisses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	for i := 0; i < 3; i++ {
		f.clock = f.clock.Add(5 * time.Second)
		res, err := f.loop.Run(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		assert.Empty(t, res.Purged)
	}
	assert.Zero(t, f.loop.Misses("BTCUSDT", model.SideBuy))
	assert.Empty(t, f.flips.reqs)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}
