// Package cleanup reconciles resting exchange orders against the protective
// orders the bot expects to exist, cancelling orphans left behind by crashes,
// missed cancels, or manual intervention.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/quantfall/liqhunter/internal/config"
	"github.com/quantfall/liqhunter/internal/domain"
	"github.com/quantfall/liqhunter/internal/platform/aster"
)

// OrderLister is the slice of the exchange client the cleaner needs.
type OrderLister interface {
	OpenOrders(ctx context.Context, symbol string) ([]domain.OrderRecord, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
}

// ProtectionSource reports which order ids are live protections the bot owns.
// Implemented by the position monitor.
type ProtectionSource interface {
	ExpectedProtections() map[int64]struct{}
}

// Cleaner periodically diffs the exchange's open orders against the expected
// protective set. Orders the bot does not recognize are cancelled once they
// outlive the young-order grace period; the grace keeps a freshly placed
// order alive while its tranche mapping is still settling.
type Cleaner struct {
	cfg      config.Cleanup
	client   OrderLister
	expected ProtectionSource
	orders   domain.OrderStore
	logger   *slog.Logger
}

// New creates a Cleaner. The order store may be nil.
func New(cfg config.Cleanup, client OrderLister, expected ProtectionSource, orders domain.OrderStore, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		cfg:      cfg,
		client:   client,
		expected: expected,
		orders:   orders,
		logger:   logger.With(slog.String("component", "order_cleanup")),
	}
}

// Run executes a sweep every interval until ctx is cancelled. The first
// sweep runs after one full interval so startup rehydration settles first.
func (c *Cleaner) Run(ctx context.Context) error {
	c.logger.Info("order cleanup started",
		slog.Duration("interval", c.cfg.Interval.Duration),
		slog.Duration("young_order_grace", c.cfg.YoungOrderGrace.Duration),
	)
	defer c.logger.Info("order cleanup stopped")

	ticker := time.NewTicker(c.cfg.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.logger.Warn("cleanup sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep performs one reconciliation pass and returns the first listing error
// encountered. Individual cancel failures are logged and skipped.
func (c *Cleaner) Sweep(ctx context.Context) error {
	open, err := c.client.OpenOrders(ctx, "")
	if err != nil {
		return err
	}
	expected := c.expected.ExpectedProtections()
	now := time.Now()

	var cancelled, kept, young int
	for _, o := range open {
		if _, ok := expected[o.ExchangeID]; ok {
			kept++
			continue
		}
		// Only reduce-only protective types are ours to manage; anything
		// else resting on the account was placed by someone else.
		if !o.ReduceOnly && o.Type != domain.OrderTypeStopMarket && o.Type != domain.OrderTypeTakeProfitMarket {
			kept++
			continue
		}
		if now.Sub(o.CreatedAt) < c.cfg.YoungOrderGrace.Duration {
			young++
			continue
		}

		log := c.logger.With(
			slog.Int64("order_id", o.ExchangeID),
			slog.String("symbol", o.Symbol),
			slog.String("type", string(o.Type)),
		)
		err := c.client.CancelOrder(ctx, o.Symbol, o.ExchangeID)
		switch {
		case err == nil:
			log.Info("orphan order cancelled")
		case aster.IsUnknownOrder(err):
			// Already gone; the outcome we wanted.
			log.Debug("orphan order already gone")
		default:
			log.Warn("orphan cancel failed", slog.String("error", err.Error()))
			continue
		}
		cancelled++
		c.markCancelled(ctx, o)
	}

	if cancelled > 0 || young > 0 {
		c.logger.Info("cleanup sweep finished",
			slog.Int("open", len(open)),
			slog.Int("expected", kept),
			slog.Int("cancelled", cancelled),
			slog.Int("young_spared", young),
		)
	}
	return nil
}

// markCancelled records the cancellation in the order audit log.
func (c *Cleaner) markCancelled(ctx context.Context, o domain.OrderRecord) {
	if c.orders == nil {
		return
	}
	if err := c.orders.UpdateStatus(ctx, o.ExchangeID, domain.OrderStatusCanceled, o.ExecutedQty, o.AvgPrice); err != nil {
		c.logger.Debug("order audit update failed",
			slog.Int64("order_id", o.ExchangeID),
			slog.String("error", err.Error()),
		)
	}
}
