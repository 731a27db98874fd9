package ids

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLedgerIDsAreUniqueAndOrdered(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 200; i++ {
		id := LedgerID("BTCUSDT", "1m", "BUY", at)
		assert.True(t, strings.HasPrefix(id, "BTCUSDT-1m-buy-"))
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestClientOrderID(t *testing.T) {
	t.Parallel()

	a := ClientOrderID("open")
	b := ClientOrderID("open")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "open_"))
	assert.LessOrEqual(t, len(a), 36)
	assert.Len(t, ClientOrderID(""), 32)
}
