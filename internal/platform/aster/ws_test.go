package aster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfall/liqhunter/internal/domain"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: time.Second, Max: 8 * time.Second, Factor: 2}

	assert.Equal(t, time.Second, b.Next(1))
	assert.Equal(t, 2*time.Second, b.Next(2))
	assert.Equal(t, 4*time.Second, b.Next(3))
	assert.Equal(t, 8*time.Second, b.Next(4))
	assert.Equal(t, 8*time.Second, b.Next(20))
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := b.Next(3) // base 4s, jitter 0.5 means [2s, 6s]
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 6*time.Second)
	}
}

func TestHandleMessageRoutesForceOrder(t *testing.T) {
	t.Parallel()

	ws := NewWSClient(StaticURL("wss://example.invalid/ws"))

	var got domain.LiquidationEvent
	ws.OnLiquidation(func(ev domain.LiquidationEvent) { got = ev })

	ws.handleMessage([]byte(`{
		"e": "forceOrder",
		"E": 1700000001000,
		"o": {"s": "BTCUSDT", "S": "SELL", "q": "0.5", "ap": "43000", "T": 1, "z": "0.5"}
	}`))

	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, domain.SideSell, got.Side)
	assert.InDelta(t, 0.5, got.Quantity, 1e-9)
}

func TestHandleMessageUnpacksArrays(t *testing.T) {
	t.Parallel()

	ws := NewWSClient(StaticURL("wss://example.invalid/ws"))

	prices := map[string]float64{}
	ws.OnMarkPrice(func(symbol string, price float64, _ time.Time) {
		prices[symbol] = price
	})

	ws.handleMessage([]byte(`[
		{"e": "markPriceUpdate", "E": 1, "s": "BTCUSDT", "p": "43000.5"},
		{"e": "markPriceUpdate", "E": 1, "s": "ETHUSDT", "p": "2200.1"}
	]`))

	require.Len(t, prices, 2)
	assert.InDelta(t, 43000.5, prices["BTCUSDT"], 1e-9)
	assert.InDelta(t, 2200.1, prices["ETHUSDT"], 1e-9)
}

func TestHandleMessageDropsMalformedAndUnknown(t *testing.T) {
	t.Parallel()

	ws := NewWSClient(StaticURL("wss://example.invalid/ws"))

	called := false
	ws.OnLiquidation(func(domain.LiquidationEvent) { called = true })

	ws.handleMessage([]byte(`{broken`))
	ws.handleMessage([]byte(`{"e": "someFutureEvent"}`))
	ws.handleMessage([]byte(`[{broken]`))

	assert.False(t, called)
}

func TestHandleMessageListenKeyExpired(t *testing.T) {
	t.Parallel()

	ws := NewWSClient(StaticURL("wss://example.invalid/ws"))

	expired := false
	ws.OnListenKeyExpired(func() { expired = true })

	ws.handleMessage([]byte(`{"e": "listenKeyExpired", "E": 1700000001000}`))
	assert.True(t, expired)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	ws := NewWSClient(StaticURL("wss://example.invalid/ws"))
	require.NoError(t, ws.Close())
	require.NoError(t, ws.Close())
}
