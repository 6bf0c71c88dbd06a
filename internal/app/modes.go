package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfall/liqhunter/internal/cleanup"
	"github.com/quantfall/liqhunter/internal/domain"
	"github.com/quantfall/liqhunter/internal/engine"
	"github.com/quantfall/liqhunter/internal/executor"
	"github.com/quantfall/liqhunter/internal/feed"
	"github.com/quantfall/liqhunter/internal/monitor"
)

const (
	liquidationStreamPath = "/ws/!forceOrder@arr"
	markPriceStreamPath   = "/ws/!markPrice@arr@1s"

	// accountLockKey guards the trading account: two trade-mode instances on
	// the same account would fight over protective orders.
	accountLockKey = "trade_account"
	accountLockTTL = 5 * time.Minute

	intentQueueSize = 256
)

// symbolSpecs adapts the exchange-info snapshot to the per-symbol filter
// lookups the engine and monitor need.
type symbolSpecs map[string]domain.SymbolSpec

func (s symbolSpecs) Spec(symbol string) (domain.SymbolSpec, bool) {
	spec, ok := s[symbol]
	return spec, ok
}

func (a *App) loadSpecs(ctx context.Context, deps *Dependencies) (symbolSpecs, error) {
	specs, err := deps.Exchange.ExchangeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load exchange info: %w", err)
	}
	a.logger.Info("exchange info loaded", slog.Int("symbols", len(specs)))
	return symbolSpecs(specs), nil
}

// TradeMode runs the full pipeline: liquidation feed into the decision
// engine, intents through the batcher to the exchange, fills and account
// updates back into the position monitor, plus cleanup, archival, and
// notifications.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	unlock, err := deps.LockManager.Acquire(ctx, accountLockKey, accountLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return errors.New("app: another instance is already trading this account")
		}
		return fmt.Errorf("app: acquire account lock: %w", err)
	}
	defer unlock()

	specs, err := a.loadSpecs(ctx, deps)
	if err != nil {
		return err
	}

	// Persistence failures cancel the whole run: trading on state the
	// database no longer reflects is worse than stopping.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	intents := make(chan domain.OrderIntent, intentQueueSize)

	mon := monitor.New(a.cfg.Monitor, specs, monitor.Stores{
		Positions: deps.PositionStore,
		Tranches:  deps.TrancheStore,
		Trades:    deps.TradeStore,
	}, deps.SignalBus, intents, a.logger)
	mon.OnPersistFailure(func(err error) {
		a.logger.Error("halting on persistence failure", slog.String("error", err.Error()))
		cancel()
	})

	// Rebuild in-memory state before any stream opens so early fills land on
	// known tranches.
	if err := mon.Rehydrate(runCtx); err != nil {
		return fmt.Errorf("app: rehydrate state: %w", err)
	}

	batcher := executor.NewBatcher(a.cfg.Batcher, deps.Exchange, intents, deps.OrderStore, a.logger)
	batcher.OnPlaced(mon.OnOrderPlaced)

	eng := engine.NewEngine(a.cfg.Engine, deps.Exchange, specs, mon, intents, a.logger).
		WithAudit(deps.OrderStore)

	liqFeed := feed.NewLiquidationFeed(a.cfg.Feed, a.cfg.Exchange.WsBaseURL+liquidationStreamPath, a.logger)
	priceFeed := feed.NewMarkPriceFeed(a.cfg.Exchange.WsBaseURL+markPriceStreamPath, a.cfg.Engine.Symbols, deps.PriceCache, mon.OnPriceTick, a.logger)

	userFeed := feed.NewUserDataFeed(deps.Exchange, a.cfg.Exchange.WsBaseURL, a.cfg.Exchange.KeepaliveInterval.Duration, a.logger)
	userFeed.OnFill(mon.OnFillConfirmed)
	userFeed.OnAccount(mon.OnReconciliationUpdate)
	userFeed.OnOrderStatus(func(ctx context.Context, exchangeID int64, status domain.OrderStatus) {
		err := deps.OrderStore.UpdateStatus(ctx, exchangeID, status, 0, 0)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			a.logger.Warn("order status update failed",
				slog.Int64("exchange_id", exchangeID),
				slog.String("error", err.Error()),
			)
		}
	})

	cleaner := cleanup.New(a.cfg.Cleanup, deps.Exchange, mon, deps.OrderStore, a.logger)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return batcher.Run(gctx) })
	g.Go(func() error { return liqFeed.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx, liqFeed.Events()) })
	g.Go(func() error { return priceFeed.Run(gctx) })
	g.Go(func() error { return userFeed.Run(gctx) })
	g.Go(func() error { return cleaner.Run(gctx) })
	g.Go(func() error { return deps.Notifier.Run(gctx) })
	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		liqFeed.Close()
		priceFeed.Close()
		userFeed.Close()
		return nil
	})

	return g.Wait()
}

// SimulateMode runs the public feeds and the decision engine with order
// placement forced off. No credentials, database writes, or user-data stream
// are involved; would-be entries are only logged.
func (a *App) SimulateMode(ctx context.Context, deps *Dependencies) error {
	a.cfg.Engine.SimulateOnly = true

	specs, err := a.loadSpecs(ctx, deps)
	if err != nil {
		return err
	}

	intents := make(chan domain.OrderIntent, intentQueueSize)

	mon := monitor.New(a.cfg.Monitor, specs, monitor.Stores{}, deps.SignalBus, intents, a.logger)

	eng := engine.NewEngine(a.cfg.Engine, deps.Exchange, specs, mon, intents, a.logger)

	liqFeed := feed.NewLiquidationFeed(a.cfg.Feed, a.cfg.Exchange.WsBaseURL+liquidationStreamPath, a.logger)
	priceFeed := feed.NewMarkPriceFeed(a.cfg.Exchange.WsBaseURL+markPriceStreamPath, a.cfg.Engine.Symbols, deps.PriceCache, mon.OnPriceTick, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return liqFeed.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx, liqFeed.Events()) })
	g.Go(func() error { return priceFeed.Run(gctx) })
	g.Go(func() error { return deps.Notifier.Run(gctx) })
	g.Go(func() error { return a.drainIntents(gctx, intents) })
	g.Go(func() error {
		<-gctx.Done()
		liqFeed.Close()
		priceFeed.Close()
		return nil
	})

	return g.Wait()
}

// MonitorMode observes an existing account without placing orders: it
// rehydrates state, follows prices, fills, and account updates, and logs the
// intents the monitor would have sent.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	specs, err := a.loadSpecs(ctx, deps)
	if err != nil {
		return err
	}

	intents := make(chan domain.OrderIntent, intentQueueSize)

	mon := monitor.New(a.cfg.Monitor, specs, monitor.Stores{
		Positions: deps.PositionStore,
		Tranches:  deps.TrancheStore,
		Trades:    deps.TradeStore,
	}, deps.SignalBus, intents, a.logger)

	if err := mon.Rehydrate(ctx); err != nil {
		return fmt.Errorf("app: rehydrate state: %w", err)
	}

	priceFeed := feed.NewMarkPriceFeed(a.cfg.Exchange.WsBaseURL+markPriceStreamPath, a.cfg.Engine.Symbols, deps.PriceCache, mon.OnPriceTick, a.logger)

	userFeed := feed.NewUserDataFeed(deps.Exchange, a.cfg.Exchange.WsBaseURL, a.cfg.Exchange.KeepaliveInterval.Duration, a.logger)
	userFeed.OnFill(mon.OnFillConfirmed)
	userFeed.OnAccount(mon.OnReconciliationUpdate)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return priceFeed.Run(gctx) })
	g.Go(func() error { return userFeed.Run(gctx) })
	g.Go(func() error { return deps.Notifier.Run(gctx) })
	g.Go(func() error { return a.drainIntents(gctx, intents) })
	g.Go(func() error {
		<-gctx.Done()
		priceFeed.Close()
		userFeed.Close()
		return nil
	})

	return g.Wait()
}

// drainIntents consumes intents in modes that never submit them, logging each
// one so an operator can see what a live instance would have done.
func (a *App) drainIntents(ctx context.Context, intents <-chan domain.OrderIntent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case intent := <-intents:
			a.logger.Info("intent suppressed",
				slog.String("intent_type", string(intent.Type)),
				slog.String("symbol", intent.Symbol),
				slog.String("side", string(intent.Side)),
				slog.Float64("quantity", intent.Quantity),
				slog.String("reason", intent.Reason),
			)
		}
	}
}
