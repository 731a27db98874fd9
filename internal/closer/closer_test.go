package closer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crypto-futures-trader/internal/executor"
	"crypto-futures-trader/internal/guard"
	"crypto-futures-trader/internal/ledger"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
)

type recorder struct{ events []model.TradeEvent }

func (r *recorder) Emit(e model.TradeEvent) { r.events = append(r.events, e) }

type fixture struct {
	sim    *executor.Simulator
	ledger *ledger.Ledger
	guard  *guard.Coordinator
	sink   *recorder
	closer *Closer
}

var buyKey = ledger.LegKey{Symbol: "BTCUSDT", Interval: "1m", Side: model.SideBuy}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sim := executor.NewSimulator(executor.SimulatorConfig{
		InitialCapital: 1000,
		Filters:        model.SymbolFilters{StepSize: 0.001, MinQty: 0.001, MinNotional: 5},
		DualSide:       true,
	}, zap.NewNop())
	sim.SetPrice("BTCUSDT", 40000)
	f := &fixture{
		sim:    sim,
		ledger: ledger.New(),
		guard:  guard.NewCoordinator(service.GuardConfig{MinWindow: time.Second, WindowFactor: 1}),
		sink:   &recorder{},
	}
	f.closer = New(sim, f.ledger, f.guard, f.sink, executor.RetryPolicy{Attempts: 3, BaseBackoff: time.Millisecond}, zap.NewNop())
	f.closer.SetDualSide(true)
	return f
}

func (f *fixture) open(t *testing.T, id string, qty float64) ledger.Entry {
	t.Helper()
	_, err := f.sim.PlaceMarketOrder(context.Background(), executor.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideBuy, Qty: qty, Leverage: 20, PositionSide: model.PositionSideLong,
	})
	require.NoError(t, err)
	e := ledger.Entry{LedgerID: id, Qty: qty, EntryPrice: 40000, Margin: qty * 40000 / 20, Leverage: 20, Signature: []string{"rsi"}}
	require.True(t, f.ledger.AppendEntry(buyKey, e))
	return e
}

func TestCloseRemovesEntriesAndEmits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.open(t, "A", 0.01)
	b := f.open(t, "B", 0.005)
	f.sim.SetPrice("BTCUSDT", 39000)

	res, err := f.closer.Close(context.Background(), Request{Key: buyKey, Entries: []ledger.Entry{a}, Reason: "stop_loss", Owner: "w1"})
	require.NoError(t, err)
	assert.InDelta(t, 0.01, res.Qty, 1e-12)
	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, "A", ev.LedgerID)
	assert.InDelta(t, -10, ev.PnL, 1e-9)
	assert.InDelta(t, -50, ev.ROIPercent, 1e-9)
	assert.Equal(t, "stop_loss", ev.Reason)
	assert.NotEmpty(t, ev.EventID)
	assert.Len(t, f.sink.events, 1)

	assert.InDelta(t, 0.005, f.ledger.TotalQtyForSide(buyKey), 1e-12)
	_, _, ok := f.ledger.Entry("A")
	assert.False(t, ok)
	_, _, ok = f.ledger.Entry(b.LedgerID)
	assert.True(t, ok)
	require.NoError(t, f.ledger.Verify())

	positions, err := f.sim.ListOpenPositions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.005, positions[0].Qty(), 1e-12)
}

func TestCloseTreatsReduceOnlyConflictAsFlat(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.open(t, "A", 0.01)
	f.sim.ForceClose("BTCUSDT", model.SideBuy)

	res, err := f.closer.Close(context.Background(), Request{Key: buyKey, Entries: []ledger.Entry{e}, Reason: "flip", Owner: "w1"})
	require.NoError(t, err)
	assert.True(t, res.AlreadyFlat)
	assert.Empty(t, res.Events, "no pnl event without a fill")
	assert.Zero(t, f.ledger.TotalQtyForSide(buyKey))
}

func TestCloseRejectedWhileOtherSideInFlight(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.open(t, "A", 0.01)

	release, ok := f.guard.AcquireClose("BTCUSDT", model.SideSell, "w2")
	require.True(t, ok)
	_, err := f.closer.Close(context.Background(), Request{Key: buyKey, Entries: []ledger.Entry{e}, Owner: "w1"})
	assert.ErrorIs(t, err, ErrCloseInFlight)
	assert.InDelta(t, 0.01, f.ledger.TotalQtyForSide(buyKey), 1e-12)

	release()
	_, err = f.closer.Close(context.Background(), Request{Key: buyKey, Entries: []ledger.Entry{e}, Owner: "w1"})
	assert.NoError(t, err)
}

func TestCloseRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.open(t, "A", 0.01)
	f.sim.InjectFault(executor.OpClose, executor.Transient(errors.New("timeout")))

	res, err := f.closer.Close(context.Background(), Request{Key: buyKey, Entries: []ledger.Entry{e}, Owner: "w1"})
	require.NoError(t, err)
	assert.Len(t, res.Events, 1)
	assert.Equal(t, 2, f.sim.Calls(executor.OpClose))
}

func TestCloseKeepsLedgerOnPersistentFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.open(t, "A", 0.01)
	timeout := executor.Transient(errors.New("timeout"))
	f.sim.InjectFault(executor.OpClose, timeout, timeout, timeout)

	_, err := f.closer.Close(context.Background(), Request{Key: buyKey, Entries: []ledger.Entry{e}, Owner: "w1"})
	assert.ErrorIs(t, err, executor.ErrTransient)
	assert.InDelta(t, 0.01, f.ledger.TotalQtyForSide(buyKey), 1e-12)
}

func TestCloseEmptyRequestIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.closer.Close(context.Background(), Request{Key: buyKey})
	require.NoError(t, err)
	assert.Zero(t, res.Qty)
	assert.Zero(t, f.sim.Calls(executor.OpClose))
}

func TestPositionSide(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	assert.Equal(t, model.PositionSideShort, f.closer.PositionSide(model.SideSell))
	f.closer.SetDualSide(false)
	assert.Equal(t, model.PositionSideBoth, f.closer.PositionSide(model.SideSell))
}

func TestCloseSplitsFeeAcrossEntries(t *testing.T) {
	t.Parallel()

	sim := executor.NewSimulator(executor.SimulatorConfig{
		InitialCapital: 1000,
		FeeRate:        0.0004,
		Filters:        model.SymbolFilters{StepSize: 0.001},
		DualSide:       true,
	}, zap.NewNop())
	sim.SetPrice("BTCUSDT", 40000)
	f := &fixture{
		sim:    sim,
		ledger: ledger.New(),
		guard:  guard.NewCoordinator(service.GuardConfig{MinWindow: time.Second, WindowFactor: 1}),
		sink:   &recorder{},
	}
	f.closer = New(sim, f.ledger, f.guard, f.sink, executor.RetryPolicy{Attempts: 1}, zap.NewNop())
	f.closer.SetDualSide(true)

	a := f.open(t, "A", 0.01)
	b := f.open(t, "B", 0.005)

	res, err := f.closer.Close(context.Background(), Request{Key: buyKey, Entries: []ledger.Entry{a, b}, Reason: "signal_reverse", Owner: "w1"})
	require.NoError(t, err)
	assert.InDelta(t, 0.24, res.Fee, 1e-9)
	require.Len(t, res.Events, 2)
	assert.InDelta(t, 0.16, res.Events[0].Fees, 1e-9)
	assert.InDelta(t, 0.08, res.Events[1].Fees, 1e-9)
	assert.Zero(t, f.guard.PendingCloseQty("BTCUSDT", model.SideBuy))
}

func TestCloseWaitsForSubmitLimiter(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.open(t, "A", 0.01)

	waits := 0
	f.closer = New(f.sim, f.ledger, f.guard, f.sink, executor.RetryPolicy{
		Attempts:    3,
		BaseBackoff: time.Millisecond,
		Throttle: func(ctx context.Context) error {
			waits++
			return f.guard.WaitSubmit(ctx)
		},
	}, zap.NewNop())
	f.closer.SetDualSide(true)

	timeout := executor.Transient(errors.New("timeout"))
	f.sim.InjectFault(executor.OpClose, timeout)

	_, err := f.closer.Close(context.Background(), Request{Key: buyKey, Entries: []ledger.Entry{a}, Reason: "stop_loss", Owner: "w1"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.sim.Calls(executor.OpClose))
	assert.Equal(t, 2, waits, "every attempt passes the limiter")
}
