package ta

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestSMAWarmup(t *testing.T) {
	t.Parallel()

	sma := SMA([]float64{1, 2, 3, 4, 5}, 3)
	require.Len(t, sma, 5)
	_, ok := At(sma, 1)
	assert.False(t, ok, "warm-up values are NaN")
	v, ok := At(sma, 2)
	require.True(t, ok)
	assert.InDelta(t, 2, v, 1e-9)
	v, ok = Last(sma)
	require.True(t, ok)
	assert.InDelta(t, 4, v, 1e-9)
}

func TestShortSeriesIsNaN(t *testing.T) {
	t.Parallel()

	for _, s := range [][]float64{RSI([]float64{1, 2, 3}, 14), SMA(nil, 20), EMA([]float64{1}, 5)} {
		_, ok := Last(s)
		assert.False(t, ok)
	}
	k, d := StochRSI(ramp(20, 1, 1), 14, 3, 3)
	assert.Len(t, k, 20)
	_, ok := Last(k)
	assert.False(t, ok)
	_, ok = Last(d)
	assert.False(t, ok)
}

func TestRSIExtremes(t *testing.T) {
	t.Parallel()

	up, ok := Last(RSI(ramp(50, 100, 1), 14))
	require.True(t, ok)
	assert.InDelta(t, 100, up, 1e-6)

	down, ok := Last(RSI(ramp(50, 100, -1), 14))
	require.True(t, ok)
	assert.InDelta(t, 0, down, 1e-6)
}

func TestWillRAtHigh(t *testing.T) {
	t.Parallel()

	closes := ramp(30, 10, 1)
	high := make([]float64, len(closes))
	low := make([]float64, len(closes))
	for i, c := range closes {
		high[i] = c
		low[i] = c - 2
	}
	v, ok := Last(WillR(high, low, closes, 14))
	require.True(t, ok)
	assert.InDelta(t, 0, v, 1e-9)

	assert.True(t, math.IsNaN(WillR(high[:5], low, closes, 14)[0]), "mismatched lengths")
}

func TestBBandsOrdering(t *testing.T) {
	t.Parallel()

	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + math.Sin(float64(i))*5
	}
	upper, mid, lower := BBands(closes, 20, 2)
	u, ok := Last(upper)
	require.True(t, ok)
	m, _ := Last(mid)
	l, _ := Last(lower)
	assert.Greater(t, u, m)
	assert.Greater(t, m, l)
}

func TestMACDHistogramSign(t *testing.T) {
	t.Parallel()

	_, _, hist := MACD(append(ramp(60, 100, 0), ramp(20, 100, 2)...), 12, 26, 9)
	v, ok := Last(hist)
	require.True(t, ok)
	assert.Greater(t, v, 0.0)
}

func TestAtBounds(t *testing.T) {
	t.Parallel()

	s := []float64{1, 2, 3}
	v, ok := At(s, -2)
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
	_, ok = At(s, 3)
	assert.False(t, ok)
	_, ok = At(s, -4)
	assert.False(t, ok)
}
