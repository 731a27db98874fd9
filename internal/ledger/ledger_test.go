package ledger

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-futures-trader/internal/model"
)

var (
	longKey  = LegKey{Symbol: "BTCUSDT", Interval: "1m", Side: model.SideBuy}
	shortKey = LegKey{Symbol: "BTCUSDT", Interval: "1m", Side: model.SideSell}
	rsiLong  = SlotKey{Symbol: "BTCUSDT", Interval: "1m", Indicator: "rsi", Side: model.SideBuy}
)

func entry(id string, qty, price float64, sig ...string) Entry {
	return Entry{LedgerID: id, Qty: qty, EntryPrice: price, Margin: qty * price / 20, Leverage: 20, Signature: sig}
}

func TestAppendEntryIndexesEverything(t *testing.T) {
	t.Parallel()

	l := New()
	require.True(t, l.AppendEntry(longKey, entry("a", 0.01, 40000, "rsi", "MACD")))
	require.True(t, l.AppendEntry(longKey, entry("b", 0.03, 42000, "rsi")))

	leg, ok := l.Leg(longKey)
	require.True(t, ok)
	assert.InDelta(t, 0.04, leg.Qty, 1e-12)
	assert.InDelta(t, (0.01*40000+0.03*42000)/0.04, leg.EntryPrice, 1e-6)
	assert.InDelta(t, 20+63, leg.Margin, 1e-9)
	assert.Len(t, leg.Entries, 2)
	assert.Equal(t, []string{"macd", "rsi"}, leg.Entries[0].Signature)

	assert.InDelta(t, 0.04, l.OpenQty(rsiLong), 1e-12)
	assert.InDelta(t, 0.01, l.OpenQty(SlotKey{Symbol: "BTCUSDT", Interval: "1m", Indicator: "macd", Side: model.SideBuy}), 1e-12)
	assert.True(t, l.HasOpen(rsiLong))
	assert.False(t, l.HasOpen(SlotKey{Symbol: "BTCUSDT", Interval: "1m", Indicator: "rsi", Side: model.SideSell}))
	assert.InDelta(t, 83, l.CommittedMargin(rsiLong), 1e-9)

	assert.Equal(t, []string{"a", "b"}, l.IndicatorLedgerIDs("BTCUSDT", "1m", "rsi", model.SideBuy))
	assert.Equal(t, 1, l.OpenSignatureCount(longKey, []string{"rsi", "macd"}))
	assert.Equal(t, 1, l.OpenSignatureCount(longKey, []string{"rsi"}))
	require.NoError(t, l.Verify())
}

func TestAppendEntryRejectsInvalidAndDuplicates(t *testing.T) {
	t.Parallel()

	l := New()
	assert.False(t, l.AppendEntry(longKey, entry("", 1, 1, "rsi")))
	assert.False(t, l.AppendEntry(longKey, entry("z", 0, 1, "rsi")))
	assert.False(t, l.AppendEntry(LegKey{Symbol: "X", Interval: "1m", Side: "UP"}, entry("y", 1, 1, "rsi")))

	require.True(t, l.AppendEntry(longKey, entry("a", 1, 1, "rsi")))
	assert.False(t, l.AppendEntry(longKey, entry("a", 5, 1, "rsi")))
	assert.InDelta(t, 1, l.TotalQtyForSide(longKey), 1e-12)
}

func TestRemoveEntryTearsDownIndexes(t *testing.T) {
	t.Parallel()

	l := New()
	l.AppendEntry(longKey, entry("a", 0.01, 40000, "rsi"))
	l.AppendEntry(longKey, entry("b", 0.02, 40000, "rsi"))

	assert.Nil(t, l.RemoveEntry(longKey, "missing"))
	assert.Nil(t, l.RemoveEntry(shortKey, "a"), "wrong leg key must not remove")

	removed := l.RemoveEntry(longKey, "a")
	require.Len(t, removed, 1)
	assert.Equal(t, "a", removed[0].LedgerID)
	assert.InDelta(t, 0.02, l.OpenQty(rsiLong), 1e-12)
	assert.Equal(t, []string{"b"}, l.IndicatorLedgerIDs("BTCUSDT", "1m", "rsi", model.SideBuy))
	assert.Equal(t, 1, l.OpenSignatureCount(longKey, []string{"rsi"}))

	all := l.RemoveLeg(longKey)
	assert.Len(t, all, 1)
	_, ok := l.Leg(longKey)
	assert.False(t, ok)
	assert.Zero(t, l.OpenQty(rsiLong))
	assert.Zero(t, l.OpenSignatureCount(longKey, []string{"rsi"}))
	assert.Empty(t, l.IndicatorLedgerIDs("BTCUSDT", "1m", "rsi", model.SideBuy))
	assert.Nil(t, l.RemoveLeg(longKey))
	require.NoError(t, l.Verify())
}

func TestDecrementEntryQty(t *testing.T) {
	t.Parallel()

	l := New()
	l.AppendEntry(longKey, entry("a", 0.04, 40000, "rsi"))

	e, ok := l.DecrementEntryQty(longKey, "a", 0.01)
	require.True(t, ok)
	assert.InDelta(t, 0.01, e.Qty, 1e-12)
	assert.InDelta(t, 20, e.Margin, 1e-9)
	assert.InDelta(t, 0.01, l.OpenQty(rsiLong), 1e-12)
	assert.InDelta(t, 20, l.CommittedMargin(rsiLong), 1e-9)

	_, ok = l.DecrementEntryQty(longKey, "a", 0.5)
	assert.False(t, ok, "increase is not a decrement")

	_, ok = l.DecrementEntryQty(longKey, "nope", 0)
	assert.False(t, ok)

	_, ok = l.DecrementEntryQty(longKey, "a", 1e-13)
	require.True(t, ok)
	assert.False(t, l.HasOpen(rsiLong))
	_, exists := l.Leg(longKey)
	assert.False(t, exists)
	require.NoError(t, l.Verify())
}

func TestSymbolSideOperations(t *testing.T) {
	t.Parallel()

	l := New()
	k5 := LegKey{Symbol: "BTCUSDT", Interval: "5m", Side: model.SideBuy}
	l.AppendEntry(longKey, entry("a", 0.03, 40000, "rsi"))
	l.AppendEntry(k5, entry("b", 0.01, 40000, "ma"))
	l.AppendEntry(shortKey, entry("c", 0.02, 40000, "rsi"))

	assert.InDelta(t, 0.04, l.SymbolSideQty("BTCUSDT", model.SideBuy), 1e-12)

	changed := l.ScaleSymbolSide("BTCUSDT", model.SideBuy, 0.02)
	assert.Equal(t, 2, changed)
	assert.InDelta(t, 0.02, l.SymbolSideQty("BTCUSDT", model.SideBuy), 1e-12)
	assert.InDelta(t, 0.015, l.TotalQtyForSide(longKey), 1e-12)
	assert.InDelta(t, 0.005, l.TotalQtyForSide(k5), 1e-12)
	assert.Zero(t, l.ScaleSymbolSide("BTCUSDT", model.SideBuy, 1), "never scales up")

	removed := l.RemoveSymbolSide("BTCUSDT", model.SideBuy)
	assert.Len(t, removed, 2)
	assert.Zero(t, l.SymbolSideQty("BTCUSDT", model.SideBuy))
	assert.InDelta(t, 0.02, l.TotalQtyForSide(shortKey), 1e-12)
	assert.Equal(t, []string{"BTCUSDT"}, l.Symbols())
	require.NoError(t, l.Verify())
}

func TestArenaReusesFreedSlots(t *testing.T) {
	t.Parallel()

	l := New()
	for i := 0; i < 10; i++ {
		l.AppendEntry(longKey, entry(fmt.Sprintf("e%d", i), 1, 1, "rsi"))
	}
	l.RemoveLeg(longKey)
	for i := 0; i < 10; i++ {
		l.AppendEntry(shortKey, entry(fmt.Sprintf("s%d", i), 1, 1, "rsi"))
	}
	assert.Len(t, l.arena, 10)
	assert.Empty(t, l.free)
	require.NoError(t, l.Verify())
}

func TestSlotEntriesScopedToIndicator(t *testing.T) {
	t.Parallel()

	l := New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })
	l.AppendEntry(longKey, entry("a", 1, 1, "rsi"))
	l.AppendEntry(longKey, entry("b", 1, 1, "ma"))

	got := l.SlotEntries(rsiLong)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].LedgerID)
	assert.Equal(t, now, got[0].OpenedAt)

	key, e, ok := l.Entry("b")
	require.True(t, ok)
	assert.Equal(t, longKey, key)
	assert.Equal(t, []string{"ma"}, e.Signature)
}

func TestConcurrentMutationsKeepLegConsistent(t *testing.T) {
	t.Parallel()

	l := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := LegKey{Symbol: "BTCUSDT", Interval: "1m", Side: model.SideBuy}
			if w%2 == 1 {
				key.Side = model.SideSell
			}
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				l.AppendEntry(key, entry(id, 0.001, 40000, "rsi"))
				_ = l.OpenQty(SlotKey{Symbol: key.Symbol, Interval: key.Interval, Indicator: "rsi", Side: key.Side})
				if i%3 == 0 {
					l.DecrementEntryQty(key, id, 0.0005)
				}
				if i%5 == 0 {
					l.RemoveEntry(key, id)
				}
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, l.Verify())
}
