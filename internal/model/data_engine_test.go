package model

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func kline(start time.Time, close float64) KLine {
	return KLine{Symbol: "BTCUSDT", Interval: "1m", StartTime: start, EndTime: start.Add(time.Minute), Close: close}
}

func TestDataEngineUpsertAndTrim(t *testing.T) {
	t.Parallel()

	de := NewDataEngine(3, zap.NewNop())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	de.Upsert(kline(base, 1))
	_, err := de.Candles(context.Background(), "BTCUSDT", "1m", 10)
	require.ErrorIs(t, err, ErrNotEnoughCandles)

	de.Upsert(kline(base.Add(time.Minute), 2))
	de.Upsert(kline(base.Add(time.Minute), 2.5)) // same bar updates in place
	de.Upsert(kline(base.Add(3*time.Minute), 4))
	de.Upsert(kline(base.Add(2*time.Minute), 3)) // late arrival
	de.Upsert(kline(base.Add(4*time.Minute), 5))

	got, err := de.Candles(context.Background(), "BTCUSDT", "1m", 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4, 5}, Closes(got))

	got, err = de.Candles(context.Background(), "BTCUSDT", "1m", 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5}, Closes(got))
}

func TestDataEngineStartConsumesChannel(t *testing.T) {
	t.Parallel()

	de := NewDataEngine(10, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go de.Start(ctx)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	de.GetKlineChannel() <- kline(base, 1)
	de.GetKlineChannel() <- kline(base.Add(time.Minute), 2)

	require.Eventually(t, func() bool {
		got, err := de.Candles(context.Background(), "BTCUSDT", "1m", 0)
		return err == nil && len(got) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestPositionMarginFallbacks(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 12.0, Position{IsolatedWallet: 12, InitialMargin: 9}.Margin())
	assert.Equal(t, 9.0, Position{InitialMargin: 9, Notional: 400, Leverage: 20}.Margin())
	assert.Equal(t, 20.0, Position{Notional: -400, Leverage: 20}.Margin())
	assert.Equal(t, 20.0, Position{Amount: -0.01, MarkPrice: 40000, Leverage: 20}.Margin())
}

func TestNewCloseEvent(t *testing.T) {
	t.Parallel()

	long := NewCloseEvent("BTCUSDT", "1m", SideBuy, 0.01, 39000, 40000, 20, 20)
	assert.InDelta(t, -10, long.PnL, 1e-9)
	assert.InDelta(t, -50, long.ROIPercent, 1e-9)

	short := NewCloseEvent("BTCUSDT", "1m", SideSell, 0.01, 39000, 40000, 20, 20)
	assert.InDelta(t, 10, short.PnL, 1e-9)
	assert.Equal(t, EventClose, short.Event)
}
