package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantfall/liqhunter/internal/domain"
	"github.com/quantfall/liqhunter/internal/platform/aster"
)

// cacheQueueSize bounds pending cache writes. The all-symbol stream carries
// hundreds of symbols per message; when Redis lags, updates are dropped
// rather than stalling the websocket read loop.
const cacheQueueSize = 2048

// cacheWriteTimeout bounds one SetPrice round trip.
const cacheWriteTimeout = 2 * time.Second

// PriceTickHandler is called for each mark price update that passes the
// symbol filter.
type PriceTickHandler func(ctx context.Context, symbol string, price float64, ts time.Time)

type priceUpdate struct {
	symbol string
	price  float64
	ts     time.Time
}

// MarkPriceFeed consumes the all-symbol mark price stream, mirrors prices
// into the shared cache, and forwards ticks for symbols the bot cares about.
// Cache writes happen on a separate goroutine so a slow Redis never blocks
// the read loop past its pong deadline.
type MarkPriceFeed struct {
	ws     *aster.WSClient
	cache  domain.PriceCache
	onTick PriceTickHandler
	logger *slog.Logger

	// allowed limits forwarding; nil forwards every symbol.
	allowed map[string]struct{}

	cacheQueue chan priceUpdate
	dropped    atomic.Int64

	closeOnce sync.Once
}

// NewMarkPriceFeed creates a feed reading from the given stream URL,
// typically <ws base>/ws/!markPrice@arr@1s. symbols limits which ticks are
// forwarded to onTick; an empty list forwards all. The cache is updated for
// every symbol regardless and may be nil.
func NewMarkPriceFeed(streamURL string, symbols []string, cache domain.PriceCache, onTick PriceTickHandler, logger *slog.Logger) *MarkPriceFeed {
	f := &MarkPriceFeed{
		ws:         aster.NewWSClient(aster.StaticURL(streamURL)),
		cache:      cache,
		onTick:     onTick,
		logger:     logger.With(slog.String("component", "markprice_feed")),
		cacheQueue: make(chan priceUpdate, cacheQueueSize),
	}
	if len(symbols) > 0 {
		f.allowed = make(map[string]struct{}, len(symbols))
		for _, s := range symbols {
			f.allowed[s] = struct{}{}
		}
	}
	f.ws.OnMarkPrice(f.ingest)
	return f
}

// Run connects and consumes the stream until ctx is cancelled.
func (f *MarkPriceFeed) Run(ctx context.Context) error {
	f.logger.Info("mark price feed started", slog.Int("symbol_filter", len(f.allowed)))
	defer func() {
		f.logger.Info("mark price feed stopped", slog.Int64("cache_writes_dropped", f.dropped.Load()))
	}()
	if f.cache != nil {
		go f.cacheWriter(ctx)
	}
	return f.ws.Run(ctx)
}

// Close stops the feed.
func (f *MarkPriceFeed) Close() {
	f.closeOnce.Do(func() { f.ws.Close() })
}

// cacheWriter drains queued price updates into the cache. Failures are
// logged at debug; the cache is advisory.
func (f *MarkPriceFeed) cacheWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-f.cacheQueue:
			wctx, cancel := context.WithTimeout(ctx, cacheWriteTimeout)
			err := f.cache.SetPrice(wctx, u.symbol, u.price, u.ts)
			cancel()
			if err != nil {
				f.logger.Debug("price cache update failed",
					slog.String("symbol", u.symbol),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (f *MarkPriceFeed) ingest(symbol string, price float64, ts time.Time) {
	if symbol == "" || price <= 0 {
		return
	}

	if f.cache != nil {
		select {
		case f.cacheQueue <- priceUpdate{symbol: symbol, price: price, ts: ts}:
		default:
			// A newer update for the symbol is seconds away; drop this one.
			f.dropped.Add(1)
		}
	}

	if f.onTick == nil {
		return
	}
	if f.allowed != nil {
		if _, ok := f.allowed[symbol]; !ok {
			return
		}
	}
	f.onTick(context.Background(), symbol, price, ts)
}
