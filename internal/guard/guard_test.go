package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-futures-trader/internal/ledger"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"
)

var key = ledger.LegKey{Symbol: "BTCUSDT", Interval: "1m", Side: model.SideBuy}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCoordinator() (*Coordinator, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewCoordinator(service.GuardConfig{MinWindow: 8 * time.Second, WindowFactor: 1.5, MinSubmitSpacing: 0})
	c.SetClock(clock.Now)
	return c, clock
}

func TestWindow(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator()
	assert.Equal(t, 8*time.Second, c.Window(time.Second))
	assert.Equal(t, 90*time.Second, c.Window(time.Minute))
	assert.Equal(t, 90*time.Minute, c.Window(time.Hour))
}

func TestReservationStateMachine(t *testing.T) {
	t.Parallel()

	c, clock := newTestCoordinator()
	window := c.Window(time.Minute)

	assert.Equal(t, StateFree, c.State(key, "rsi", window))
	require.True(t, c.BeginOpen(key, "rsi", window))
	assert.Equal(t, StatePending, c.State(key, "rsi", window))
	assert.False(t, c.BeginOpen(key, "rsi", window), "pending blocks duplicates")

	c.EndOpen(key, "rsi", true)
	assert.Equal(t, StateActive, c.State(key, "rsi", window))
	assert.False(t, c.BeginOpen(key, "rsi", window), "active blocks duplicates inside the window")
	assert.True(t, c.BeginOpen(key, "macd", window), "different signature is independent")

	clock.Advance(window)
	assert.Equal(t, StateFree, c.State(key, "rsi", window))
	assert.True(t, c.BeginOpen(key, "rsi", window))

	c.EndOpen(key, "rsi", false)
	assert.Equal(t, StateFree, c.State(key, "rsi", window), "failure releases immediately")
}

func TestStalePendingExpires(t *testing.T) {
	t.Parallel()

	c, clock := newTestCoordinator()
	require.True(t, c.BeginOpen(key, "rsi", 8*time.Second))
	clock.Advance(9 * time.Second)
	assert.True(t, c.BeginOpen(key, "rsi", 8*time.Second))
}

func TestClaimBar(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator()
	bar := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)

	assert.True(t, c.ClaimBar(key, bar, "rsi"))
	assert.False(t, c.ClaimBar(key, bar, "rsi"))
	assert.True(t, c.ClaimBar(key, bar, "ma"))
	assert.False(t, c.ClaimBar(key, bar.Add(-time.Minute), "stoch_rsi"), "stale bar rejected")

	c.ReleaseBar(key, bar, "rsi")
	assert.True(t, c.ClaimBar(key, bar, "rsi"))

	next := bar.Add(time.Minute)
	assert.True(t, c.ClaimBar(key, next, "rsi"), "new bar resets the set")
}

func TestAdmitDedupWithinWindow(t *testing.T) {
	t.Parallel()

	c, clock := newTestCoordinator()
	window := c.Window(time.Minute)
	bar := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, Admitted, c.Admit(key, bar, "rsi", window))
	c.EndOpen(key, "rsi", true)
	assert.Equal(t, RejectBar, c.Admit(key, bar, "rsi", window))

	clock.Advance(time.Minute)
	assert.Equal(t, RejectReserved, c.Admit(key, bar.Add(time.Minute), "rsi", window))

	clock.Advance(31 * time.Second)
	assert.Equal(t, Admitted, c.Admit(key, bar.Add(2*time.Minute), "rsi", window))
}

func TestAdmitConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator()
	bar := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Admit(key, bar, "rsi", time.Minute) == Admitted {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, admitted)
}

func TestReentryAndSignalBlocks(t *testing.T) {
	t.Parallel()

	c, clock := newTestCoordinator()
	bar := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c.ArmReentry(key, time.Minute)
	assert.Equal(t, time.Minute, c.ReentryRemaining(key))
	assert.Equal(t, RejectReentry, c.Admit(key, bar, "rsi", time.Second))
	clock.Advance(time.Minute)
	assert.Zero(t, c.ReentryRemaining(key))

	c.BlockSignal(key, "rsi", 10*time.Second)
	assert.True(t, c.SignalBlocked(key, "rsi"))
	assert.False(t, c.SignalBlocked(key, "ma"))
	assert.Equal(t, RejectSignalBlock, c.Admit(key, bar, "rsi", time.Second))
	clock.Advance(10 * time.Second)
	assert.Equal(t, Admitted, c.Admit(key, bar, "rsi", time.Second))
}

func TestFlipCooldown(t *testing.T) {
	t.Parallel()

	c, clock := newTestCoordinator()
	c.ArmFlipCooldown("BTCUSDT", "1m", "rsi", time.Minute)
	assert.Equal(t, time.Minute, c.FlipCooldownRemaining("BTCUSDT", "1m", "rsi"))
	assert.Zero(t, c.FlipCooldownRemaining("BTCUSDT", "5m", "rsi"))
	clock.Advance(2 * time.Minute)
	assert.Zero(t, c.FlipCooldownRemaining("BTCUSDT", "1m", "rsi"))
}

func TestAcquireClose(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator()

	release, ok := c.AcquireClose("BTCUSDT", model.SideBuy, "w1")
	require.True(t, ok)

	inner, ok := c.AcquireClose("BTCUSDT", model.SideBuy, "w1")
	require.True(t, ok, "same owner and side is reentrant")
	_, depth, _ := c.CloseInFlight("BTCUSDT")
	assert.Equal(t, 2, depth)

	_, ok = c.AcquireClose("BTCUSDT", model.SideSell, "w1")
	assert.False(t, ok, "other side is rejected")
	_, ok = c.AcquireClose("BTCUSDT", model.SideBuy, "w2")
	assert.False(t, ok, "other worker on the same side is rejected")
	_, ok = c.AcquireClose("ETHUSDT", model.SideSell, "w2")
	assert.True(t, ok, "other symbols are independent")

	inner()
	inner()
	_, depth, held := c.CloseInFlight("BTCUSDT")
	assert.True(t, held)
	assert.Equal(t, 1, depth)

	release()
	_, _, held = c.CloseInFlight("BTCUSDT")
	assert.False(t, held)

	_, ok = c.AcquireClose("BTCUSDT", model.SideSell, "w2")
	assert.True(t, ok)
}

func TestWaitSubmitSpacing(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(service.GuardConfig{MinWindow: time.Second, WindowFactor: 1, MinSubmitSpacing: 50 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.WaitSubmit(ctx))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, c.WaitSubmit(cancelled))
}

func TestWaitCloseBlocksUntilReleased(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator()
	release, ok := c.AcquireClose("BTCUSDT", model.SideBuy, "w1")
	require.True(t, ok)

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.WaitClose(short, "BTCUSDT", model.SideBuy, "emergency")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()
	got, err := c.WaitClose(context.Background(), "BTCUSDT", model.SideBuy, "emergency")
	require.NoError(t, err)
	side, _, held := c.CloseInFlight("BTCUSDT")
	assert.True(t, held)
	assert.Equal(t, model.SideBuy, side)
	got()
}

func TestHoldCloseQty(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator()
	a := c.HoldCloseQty("BTCUSDT", model.SideBuy, 0.01)
	b := c.HoldCloseQty("BTCUSDT", model.SideBuy, 0.005)
	assert.InDelta(t, 0.015, c.PendingCloseQty("BTCUSDT", model.SideBuy), 1e-12)
	assert.Zero(t, c.PendingCloseQty("BTCUSDT", model.SideSell))

	a()
	a()
	assert.InDelta(t, 0.005, c.PendingCloseQty("BTCUSDT", model.SideBuy), 1e-12)
	b()
	assert.Zero(t, c.PendingCloseQty("BTCUSDT", model.SideBuy))
}
