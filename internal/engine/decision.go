// Package engine turns liquidation flow into entry order intents. The core
// signal is rolling-window liquidation notional per symbol and side: when a
// burst of forced liquidations crosses the configured threshold, the engine
// fades the move by entering on the opposite side.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfall/liqhunter/internal/config"
	"github.com/quantfall/liqhunter/internal/domain"
	"github.com/quantfall/liqhunter/internal/platform/aster"
)

// depthLimit is the order book depth requested for entry sizing.
const depthLimit = 20

// ExposureSource reports account state the engine needs for gating entries.
// Implemented by the position monitor.
type ExposureSource interface {
	// OpenExposureUSD returns the notional of all open tranches.
	OpenExposureUSD() float64
	// EntriesHalted reports whether new entries are blocked for the symbol.
	EntriesHalted(symbol string) bool
}

// DepthProvider fetches an order book snapshot for sizing.
type DepthProvider interface {
	Depth(ctx context.Context, symbol string, limit int) (aster.Depth, error)
}

// SpecSource resolves per-symbol order filters.
type SpecSource interface {
	Spec(symbol string) (domain.SymbolSpec, bool)
}

// IntentRecorder persists intents for audit. Submitted intents are recorded
// by the batcher; the engine records only the ones simulate mode suppresses,
// which otherwise never reach it.
type IntentRecorder interface {
	RecordIntent(ctx context.Context, i domain.OrderIntent) error
}

// Engine is the decision engine. It consumes coalesced liquidation events,
// maintains per symbol and side rolling volume windows, and emits entry
// intents on the output channel when a window crosses its threshold.
type Engine struct {
	cfg      config.Engine
	depth    DepthProvider
	specs    SpecSource
	exposure ExposureSource
	intents  chan<- domain.OrderIntent
	logger   *slog.Logger

	audit IntentRecorder

	mu      sync.Mutex
	windows map[string]*volumeWindow
}

// NewEngine creates a decision engine writing intents to out. depth, specs,
// and exposure may be nil, which disables the corresponding gate.
func NewEngine(cfg config.Engine, depth DepthProvider, specs SpecSource, exposure ExposureSource, out chan<- domain.OrderIntent, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		depth:    depth,
		specs:    specs,
		exposure: exposure,
		intents:  out,
		logger:   logger.With(slog.String("component", "decision_engine")),
		windows:  make(map[string]*volumeWindow),
	}
}

// WithAudit registers the audit recorder and returns the engine.
func (e *Engine) WithAudit(rec IntentRecorder) *Engine {
	e.audit = rec
	return e
}

// Run consumes the event channel until it closes or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, events <-chan domain.LiquidationEvent) error {
	e.logger.Info("decision engine started",
		slog.Float64("volume_threshold_usd", e.cfg.VolumeThresholdUSD),
		slog.Duration("volume_window", e.cfg.VolumeWindow.Duration),
		slog.Bool("simulate_only", e.cfg.SimulateOnly),
	)
	defer e.logger.Info("decision engine stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.HandleLiquidation(ctx, ev); err != nil {
				e.logger.Warn("liquidation handling failed",
					slog.String("symbol", ev.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// HandleLiquidation processes one liquidation event. It returns an error only
// for failures worth logging; gated or sub-threshold events return nil.
func (e *Engine) HandleLiquidation(ctx context.Context, ev domain.LiquidationEvent) error {
	if !e.cfg.SymbolAllowed(ev.Symbol) {
		return nil
	}

	total := e.windowFor(ev.Symbol, ev.Side).Add(ev.Notional(), ev.EventTime)
	threshold := e.cfg.ThresholdFor(ev.Symbol)
	if total < threshold {
		return nil
	}

	// The window resets on trigger so one burst produces one entry instead
	// of refiring on every event above the threshold.
	e.windowFor(ev.Symbol, ev.Side).Reset()

	if e.exposure != nil {
		if e.exposure.EntriesHalted(ev.Symbol) {
			e.logger.Warn("entry skipped, symbol halted", slog.String("symbol", ev.Symbol))
			return nil
		}
		if open := e.exposure.OpenExposureUSD(); open+e.cfg.EntryNotionalUSD > e.cfg.MaxExposureUSD {
			e.logger.Info("entry skipped, exposure cap",
				slog.String("symbol", ev.Symbol),
				slog.Float64("open_usd", open),
				slog.Float64("max_usd", e.cfg.MaxExposureUSD),
			)
			return nil
		}
	}

	entrySide := ev.Side.Opposite()
	qty, err := e.sizeEntry(ctx, ev.Symbol, entrySide, ev.Price)
	if err != nil {
		return err
	}
	if qty <= 0 {
		e.logger.Info("entry skipped, size rounded to zero", slog.String("symbol", ev.Symbol))
		return nil
	}

	intent := domain.OrderIntent{
		ID:             uuid.NewString(),
		Type:           domain.IntentEntry,
		Symbol:         ev.Symbol,
		Side:           entrySide,
		PositionSide:   positionSideFor(entrySide),
		Quantity:       qty,
		IdempotencyKey: "entry:" + ev.Key(),
		Reason:         "liquidation_volume",
		CreatedAt:      time.Now(),
	}
	if ttl := e.cfg.IntentTTL.Duration; ttl > 0 {
		intent.ExpiresAt = intent.CreatedAt.Add(ttl)
	}

	if e.cfg.SimulateOnly {
		// The intent never reaches the batcher, so the audit row is written
		// here or not at all.
		if e.audit != nil {
			if err := e.audit.RecordIntent(ctx, intent); err != nil {
				e.logger.Warn("intent audit write failed",
					slog.String("intent_id", intent.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		e.logger.Info("simulated entry",
			slog.String("symbol", intent.Symbol),
			slog.String("side", string(intent.Side)),
			slog.Float64("qty", intent.Quantity),
			slog.Float64("window_usd", total),
		)
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e.intents <- intent:
		e.logger.Info("entry intent emitted",
			slog.String("intent_id", intent.ID),
			slog.String("symbol", intent.Symbol),
			slog.String("side", string(intent.Side)),
			slog.Float64("qty", intent.Quantity),
			slog.Float64("window_usd", total),
			slog.Float64("threshold_usd", threshold),
		)
	}
	return nil
}

// sizeEntry computes the entry quantity: configured notional at the trigger
// price, capped by available book depth and rounded to the symbol's filters.
func (e *Engine) sizeEntry(ctx context.Context, symbol string, side domain.OrderSide, price float64) (float64, error) {
	if price <= 0 {
		return 0, nil
	}
	qty := e.cfg.EntryNotionalUSD / price

	if e.depth != nil {
		depth, err := e.depth.Depth(ctx, symbol, depthLimit)
		if err != nil {
			// Depth is a sizing refinement, not a hard dependency.
			e.logger.Debug("depth fetch failed, sizing without it",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		} else {
			available := depth.AskQtySum
			if side == domain.SideSell {
				available = depth.BidQtySum
			}
			if limit := available * e.cfg.MaxDepthFraction; limit > 0 && qty > limit {
				qty = limit
			}
		}
	}

	if e.specs != nil {
		if spec, ok := e.specs.Spec(symbol); ok {
			qty = spec.AdjustQty(qty, price)
		}
	}
	return qty, nil
}

// WindowTotal exposes the current rolling total for a symbol and side,
// primarily for diagnostics.
func (e *Engine) WindowTotal(symbol string, side domain.OrderSide, now time.Time) float64 {
	return e.windowFor(symbol, side).Total(now)
}

func (e *Engine) windowFor(symbol string, side domain.OrderSide) *volumeWindow {
	key := symbol + ":" + string(side)
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[key]
	if !ok {
		w = newVolumeWindow(e.cfg.VolumeWindow.Duration)
		e.windows[key] = w
	}
	return w
}

// positionSideFor maps an entry order side onto the hedge-mode position side.
func positionSideFor(side domain.OrderSide) domain.PositionSide {
	if side == domain.SideBuy {
		return domain.PositionLong
	}
	return domain.PositionShort
}
