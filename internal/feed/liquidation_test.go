package feed

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfall/liqhunter/internal/config"
	"github.com/quantfall/liqhunter/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func liqEvent(symbol string, side domain.OrderSide, price, qty float64, id string) domain.LiquidationEvent {
	return domain.LiquidationEvent{
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		EventID:   id,
		EventTime: time.Now(),
	}
}

func TestLiquidationFeedPassThrough(t *testing.T) {
	t.Parallel()

	cfg := config.Feed{BufferLiquidations: false, QueueSize: 4}
	f := NewLiquidationFeed(cfg, "wss://example.invalid/ws", discardLogger())

	f.ingest(liqEvent("BTCUSDT", domain.SideSell, 43000, 0.5, "a"))

	select {
	case got := <-f.Events():
		assert.Equal(t, "BTCUSDT", got.Symbol)
		assert.Zero(t, got.Coalesced)
	default:
		t.Fatal("expected immediate delivery without buffering")
	}
}

func TestLiquidationFeedCoalescesBurst(t *testing.T) {
	t.Parallel()

	cfg := config.Feed{
		BufferLiquidations: true,
		CoalesceWindow:     config.DurationOf(30 * time.Millisecond),
		QueueSize:          4,
	}
	f := NewLiquidationFeed(cfg, "wss://example.invalid/ws", discardLogger())

	f.ingest(liqEvent("BTCUSDT", domain.SideSell, 40000, 1.0, "a"))
	f.ingest(liqEvent("BTCUSDT", domain.SideSell, 44000, 1.0, "b"))
	f.ingest(liqEvent("BTCUSDT", domain.SideSell, 42000, 2.0, "c"))

	select {
	case got := <-f.Events():
		assert.InDelta(t, 4.0, got.Quantity, 1e-9)
		// Notional-weighted: (40000 + 44000 + 84000) / 4
		assert.InDelta(t, 42000.0, got.Price, 1e-6)
		assert.Equal(t, 2, got.Coalesced)
		assert.Equal(t, "c", got.EventID, "latest event's identity wins")
	case <-time.After(time.Second):
		t.Fatal("coalesced event not flushed")
	}
}

func TestLiquidationFeedSeparatesSides(t *testing.T) {
	t.Parallel()

	cfg := config.Feed{
		BufferLiquidations: true,
		CoalesceWindow:     config.DurationOf(20 * time.Millisecond),
		QueueSize:          4,
	}
	f := NewLiquidationFeed(cfg, "wss://example.invalid/ws", discardLogger())

	f.ingest(liqEvent("BTCUSDT", domain.SideSell, 43000, 1.0, "a"))
	f.ingest(liqEvent("BTCUSDT", domain.SideBuy, 43000, 2.0, "b"))

	sides := map[domain.OrderSide]float64{}
	for i := 0; i < 2; i++ {
		select {
		case got := <-f.Events():
			sides[got.Side] = got.Quantity
		case <-time.After(time.Second):
			t.Fatal("expected two flushed events")
		}
	}
	assert.InDelta(t, 1.0, sides[domain.SideSell], 1e-9)
	assert.InDelta(t, 2.0, sides[domain.SideBuy], 1e-9)
}

func TestLiquidationFeedDedupsReplays(t *testing.T) {
	t.Parallel()

	cfg := config.Feed{BufferLiquidations: false, QueueSize: 4}
	f := NewLiquidationFeed(cfg, "wss://example.invalid/ws", discardLogger())

	ev := liqEvent("ETHUSDT", domain.SideBuy, 2200, 1.0, "same")
	f.ingest(ev)
	f.ingest(ev)

	<-f.Events()
	select {
	case <-f.Events():
		t.Fatal("duplicate event must be discarded")
	default:
	}
}

func TestLiquidationFeedDropsWhenFull(t *testing.T) {
	t.Parallel()

	cfg := config.Feed{BufferLiquidations: false, QueueSize: 1}
	f := NewLiquidationFeed(cfg, "wss://example.invalid/ws", discardLogger())

	f.ingest(liqEvent("BTCUSDT", domain.SideSell, 43000, 1.0, "a"))
	f.ingest(liqEvent("BTCUSDT", domain.SideSell, 43000, 1.0, "b"))
	f.ingest(liqEvent("BTCUSDT", domain.SideSell, 43000, 1.0, "c"))

	assert.Equal(t, int64(2), f.Dropped())

	got := <-f.Events()
	assert.Equal(t, "a", got.EventID, "oldest queued event survives")
}

func TestLiquidationFeedRejectsInvalid(t *testing.T) {
	t.Parallel()

	cfg := config.Feed{BufferLiquidations: false, QueueSize: 4}
	f := NewLiquidationFeed(cfg, "wss://example.invalid/ws", discardLogger())

	f.ingest(liqEvent("", domain.SideSell, 43000, 1.0, "a"))
	f.ingest(liqEvent("BTCUSDT", domain.SideSell, 0, 1.0, "b"))
	f.ingest(liqEvent("BTCUSDT", domain.SideSell, 43000, 0, "c"))

	select {
	case <-f.Events():
		t.Fatal("invalid events must be discarded")
	default:
	}
	require.Zero(t, f.Dropped())
}
