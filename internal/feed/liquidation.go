// Package feed runs the exchange stream consumers: the exchange-wide forced
// liquidation stream, the mark price stream, and the private user data stream.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantfall/liqhunter/internal/config"
	"github.com/quantfall/liqhunter/internal/domain"
	"github.com/quantfall/liqhunter/internal/platform/aster"
)

// seenTTL bounds how long processed event keys are remembered. Replays after
// a reconnect arrive well within this window.
const seenTTL = 2 * time.Minute

// LiquidationFeed consumes the exchange-wide forced liquidation stream,
// optionally coalesces bursts of same-symbol events, and delivers the result
// on a bounded channel. When the consumer falls behind, events are dropped
// and counted rather than blocking the socket read.
type LiquidationFeed struct {
	cfg    config.Feed
	ws     *aster.WSClient
	logger *slog.Logger

	out     chan domain.LiquidationEvent
	dropped atomic.Int64

	mu      sync.Mutex
	buckets map[string]*coalesceBucket
	seen    map[string]time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// coalesceBucket accumulates same symbol and side events during one window.
type coalesceBucket struct {
	event domain.LiquidationEvent
	timer *time.Timer
}

// NewLiquidationFeed creates a feed reading from the given stream URL,
// typically <ws base>/ws/!forceOrder@arr.
func NewLiquidationFeed(cfg config.Feed, streamURL string, logger *slog.Logger) *LiquidationFeed {
	f := &LiquidationFeed{
		cfg:     cfg,
		ws:      aster.NewWSClient(aster.StaticURL(streamURL)),
		logger:  logger.With(slog.String("component", "liquidation_feed")),
		out:     make(chan domain.LiquidationEvent, cfg.QueueSize),
		buckets: make(map[string]*coalesceBucket),
		seen:    make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	f.ws.OnLiquidation(f.ingest)
	return f
}

// Events returns the channel on which coalesced liquidation events are
// delivered. The channel is closed when Run returns.
func (f *LiquidationFeed) Events() <-chan domain.LiquidationEvent {
	return f.out
}

// Dropped returns the number of events discarded because the queue was full.
func (f *LiquidationFeed) Dropped() int64 {
	return f.dropped.Load()
}

// Run connects and consumes the stream until ctx is cancelled. Reconnects
// are handled by the underlying stream client; already-processed events
// replayed after a reconnect are discarded.
func (f *LiquidationFeed) Run(ctx context.Context) error {
	f.logger.Info("liquidation feed started",
		slog.Bool("buffering", f.cfg.BufferLiquidations),
		slog.Duration("coalesce_window", f.cfg.CoalesceWindow.Duration),
	)
	defer f.logger.Info("liquidation feed stopped", slog.Int64("dropped", f.Dropped()))

	purgeDone := make(chan struct{})
	go f.purgeLoop(ctx, purgeDone)

	err := f.ws.Run(ctx)

	close(purgeDone)
	f.flushAll()
	close(f.out)
	return err
}

// Close stops the feed.
func (f *LiquidationFeed) Close() {
	f.closeOnce.Do(func() {
		close(f.done)
		f.ws.Close()
	})
}

// ingest handles one raw event from the socket. Runs on the read goroutine,
// so it must never block.
func (f *LiquidationFeed) ingest(ev domain.LiquidationEvent) {
	if ev.Symbol == "" || ev.Quantity <= 0 || ev.Price <= 0 {
		return
	}

	f.mu.Lock()
	key := ev.Key()
	if _, dup := f.seen[key]; dup {
		f.mu.Unlock()
		return
	}
	f.seen[key] = time.Now()

	if !f.cfg.BufferLiquidations {
		f.mu.Unlock()
		f.deliver(ev)
		return
	}

	bucketKey := ev.Symbol + ":" + string(ev.Side)
	if b, ok := f.buckets[bucketKey]; ok {
		b.event = mergeEvents(b.event, ev)
		f.mu.Unlock()
		return
	}
	b := &coalesceBucket{event: ev}
	b.timer = time.AfterFunc(f.cfg.CoalesceWindow.Duration, func() {
		f.flush(bucketKey)
	})
	f.buckets[bucketKey] = b
	f.mu.Unlock()
}

// mergeEvents rolls a new event into the accumulated one. Quantity adds up,
// the price becomes the notional-weighted average, and the latest event's
// identity wins.
func mergeEvents(acc, ev domain.LiquidationEvent) domain.LiquidationEvent {
	totalQty := acc.Quantity + ev.Quantity
	if totalQty > 0 {
		acc.Price = (acc.Notional() + ev.Notional()) / totalQty
	}
	acc.Quantity = totalQty
	acc.EventID = ev.EventID
	acc.EventTime = ev.EventTime
	acc.Coalesced++
	return acc
}

// flush delivers the accumulated event for one bucket.
func (f *LiquidationFeed) flush(bucketKey string) {
	f.mu.Lock()
	b, ok := f.buckets[bucketKey]
	if !ok {
		f.mu.Unlock()
		return
	}
	delete(f.buckets, bucketKey)
	f.mu.Unlock()

	f.deliver(b.event)
}

// flushAll delivers every pending bucket, used at shutdown.
func (f *LiquidationFeed) flushAll() {
	f.mu.Lock()
	pending := make([]domain.LiquidationEvent, 0, len(f.buckets))
	for key, b := range f.buckets {
		b.timer.Stop()
		pending = append(pending, b.event)
		delete(f.buckets, key)
	}
	f.mu.Unlock()

	for _, ev := range pending {
		f.deliver(ev)
	}
}

// deliver pushes an event to the consumer without blocking.
func (f *LiquidationFeed) deliver(ev domain.LiquidationEvent) {
	select {
	case f.out <- ev:
	default:
		n := f.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			f.logger.Warn("liquidation queue full, dropping event",
				slog.String("symbol", ev.Symbol),
				slog.Int64("dropped_total", n),
			)
		}
	}
}

// purgeLoop trims expired entries from the dedup set.
func (f *LiquidationFeed) purgeLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(seenTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-seenTTL)
			f.mu.Lock()
			for key, ts := range f.seen {
				if ts.Before(cutoff) {
					delete(f.seen, key)
				}
			}
			f.mu.Unlock()
		}
	}
}
