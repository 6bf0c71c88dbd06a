// Package executor turns order intents into exchange orders. The Batcher
// aggregates intents over a short window and submits them through the batch
// endpoint, with per-intent retries and idempotency enforcement.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/quantfall/liqhunter/internal/config"
	"github.com/quantfall/liqhunter/internal/domain"
	"github.com/quantfall/liqhunter/internal/platform/aster"
)

// dedupTTL bounds how long idempotency keys are remembered. It comfortably
// exceeds any realistic intent expiry.
const dedupTTL = 2 * time.Minute

// cleanupInterval is how often the dedup map is garbage-collected.
const cleanupInterval = 30 * time.Second

// OrderSubmitter is the slice of the exchange client the batcher needs.
type OrderSubmitter interface {
	PlaceOrder(ctx context.Context, req aster.OrderRequest) (domain.OrderResult, error)
	PlaceBatch(ctx context.Context, reqs []aster.OrderRequest) ([]domain.OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
}

// PlacedHandler is called after an intent succeeds on the exchange, so the
// monitor can learn the order id assigned to a protective order.
type PlacedHandler func(intent domain.OrderIntent, result domain.OrderResult)

// Batcher reads order intents from a channel, deduplicates and expires them,
// aggregates up to the batch limit within the window, and submits. Urgent
// intents flush the pending batch immediately. Retryable failures are retried
// with exponential backoff up to the configured attempt count.
type Batcher struct {
	cfg      config.Batcher
	client   OrderSubmitter
	intents  <-chan domain.OrderIntent
	dedup    *Dedup
	orders   domain.OrderStore
	onPlaced PlacedHandler
	logger   *slog.Logger

	// requeue carries retry attempts back into the main loop.
	requeue chan retryItem

	pending []domain.OrderIntent
	timer   *time.Timer
	timerCh <-chan time.Time
}

type retryItem struct {
	intent  domain.OrderIntent
	attempt int
}

// NewBatcher creates a Batcher reading from intents. The order store and
// placed handler may be nil.
func NewBatcher(cfg config.Batcher, client OrderSubmitter, intents <-chan domain.OrderIntent, orders domain.OrderStore, logger *slog.Logger) *Batcher {
	return &Batcher{
		cfg:     cfg,
		client:  client,
		intents: intents,
		dedup:   NewDedup(dedupTTL),
		orders:  orders,
		logger:  logger.With(slog.String("component", "order_batcher")),
		requeue: make(chan retryItem, 64),
	}
}

// OnPlaced registers the success callback. Must be called before Run.
func (b *Batcher) OnPlaced(h PlacedHandler) {
	b.onPlaced = h
}

// Run processes intents until ctx is cancelled, then drains the channel and
// flushes the pending batch within the shutdown grace period.
func (b *Batcher) Run(ctx context.Context) error {
	b.logger.Info("order batcher started",
		slog.Bool("batching", b.cfg.BatchOrders),
		slog.Duration("window", b.cfg.Window.Duration),
		slog.Int("max_batch", b.cfg.MaxBatchSize),
	)
	defer b.logger.Info("order batcher stopped")

	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.drain()
			return ctx.Err()

		case intent, ok := <-b.intents:
			if !ok {
				b.flush(ctx)
				return nil
			}
			b.accept(ctx, intent, 0)

		case item := <-b.requeue:
			b.submitOne(ctx, item.intent, item.attempt)

		case <-b.timerCh:
			b.timerCh = nil
			b.flush(ctx)

		case <-cleanupTicker.C:
			b.dedup.Cleanup()
		}
	}
}

// accept runs the admission checks and routes the intent.
func (b *Batcher) accept(ctx context.Context, intent domain.OrderIntent, attempt int) {
	log := b.logger.With(
		slog.String("intent_id", intent.ID),
		slog.String("type", string(intent.Type)),
		slog.String("symbol", intent.Symbol),
	)

	if intent.Expired(time.Now()) {
		log.Warn("intent expired, skipping", slog.Time("expires_at", intent.ExpiresAt))
		return
	}
	if intent.IdempotencyKey != "" && b.dedup.IsDuplicate(intent.IdempotencyKey) {
		log.Debug("intent deduplicated, skipping")
		return
	}
	b.recordIntent(ctx, intent)

	// Cancels go straight to the exchange; they never batch.
	if intent.Type == domain.IntentCancel {
		b.cancel(ctx, intent)
		return
	}

	if !b.cfg.BatchOrders {
		b.submitOne(ctx, intent, attempt)
		return
	}

	b.pending = append(b.pending, intent)
	if intent.Urgent || len(b.pending) >= b.cfg.MaxBatchSize {
		b.flush(ctx)
		return
	}
	if b.timerCh == nil {
		b.timer = time.NewTimer(b.cfg.Window.Duration)
		b.timerCh = b.timer.C
	}
}

// flush submits the pending batch.
func (b *Batcher) flush(ctx context.Context) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
		b.timerCh = nil
	}
	if len(b.pending) == 0 {
		return
	}
	batch := b.pending
	b.pending = nil

	for len(batch) > 0 {
		n := len(batch)
		if n > b.cfg.MaxBatchSize {
			n = b.cfg.MaxBatchSize
		}
		b.submitBatch(ctx, batch[:n])
		batch = batch[n:]
	}
}

// submitBatch places a group of intents through the batch endpoint. On a
// transport-level failure every intent is retried individually.
func (b *Batcher) submitBatch(ctx context.Context, intents []domain.OrderIntent) {
	if len(intents) == 1 {
		b.submitOne(ctx, intents[0], 0)
		return
	}

	reqs := make([]aster.OrderRequest, 0, len(intents))
	for _, it := range intents {
		reqs = append(reqs, requestFor(it))
	}

	results, err := b.client.PlaceBatch(ctx, reqs)
	if err != nil {
		b.logger.Warn("batch submit failed, falling back to single orders",
			slog.Int("size", len(intents)),
			slog.String("error", err.Error()),
		)
		for _, it := range intents {
			b.scheduleRetry(ctx, it, 1)
		}
		return
	}

	for i, it := range intents {
		if i >= len(results) {
			b.scheduleRetry(ctx, it, 1)
			continue
		}
		b.handleResult(ctx, it, results[i], 0)
	}
}

// submitOne places a single intent.
func (b *Batcher) submitOne(ctx context.Context, intent domain.OrderIntent, attempt int) {
	if intent.Expired(time.Now()) {
		b.logger.Warn("intent expired before submit",
			slog.String("intent_id", intent.ID),
			slog.Int("attempt", attempt),
		)
		return
	}
	if intent.Type == domain.IntentCancel {
		b.cancel(ctx, intent)
		return
	}

	result, err := b.client.PlaceOrder(ctx, requestFor(intent))
	if err != nil {
		retryable := !errors.Is(err, domain.ErrInvalidOrder) && !errors.Is(err, domain.ErrUnauthorized)
		b.logger.Warn("order placement failed",
			slog.String("intent_id", intent.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if retryable {
			b.scheduleRetry(ctx, intent, attempt+1)
		}
		return
	}
	b.handleResult(ctx, intent, result, attempt)
}

// handleResult routes a per-order exchange response.
func (b *Batcher) handleResult(ctx context.Context, intent domain.OrderIntent, result domain.OrderResult, attempt int) {
	log := b.logger.With(
		slog.String("intent_id", intent.ID),
		slog.String("type", string(intent.Type)),
		slog.String("symbol", intent.Symbol),
	)

	if !result.Success {
		log.Warn("order rejected",
			slog.String("message", result.Message),
			slog.Bool("retryable", result.Retryable),
			slog.Int("attempt", attempt),
		)
		if result.Retryable {
			b.scheduleRetry(ctx, intent, attempt+1)
		}
		return
	}

	log.Info("order placed",
		slog.Int64("order_id", result.ExchangeID),
		slog.String("status", string(result.Status)),
	)
	b.recordPlaced(ctx, intent, result)
	if b.onPlaced != nil {
		b.onPlaced(intent, result)
	}
}

// cancel executes a cancel intent. An unknown-order response means the order
// is already gone, which is the outcome the intent wanted.
func (b *Batcher) cancel(ctx context.Context, intent domain.OrderIntent) {
	log := b.logger.With(
		slog.String("intent_id", intent.ID),
		slog.String("symbol", intent.Symbol),
		slog.Int64("order_id", intent.CancelOrderID),
	)

	err := b.client.CancelOrder(ctx, intent.Symbol, intent.CancelOrderID)
	if err != nil && !aster.IsUnknownOrder(err) {
		log.Warn("cancel failed", slog.String("error", err.Error()))
		return
	}
	if aster.IsUnknownOrder(err) {
		log.Debug("order already gone")
	} else {
		log.Info("order canceled")
	}
	if b.onPlaced != nil {
		b.onPlaced(intent, domain.OrderResult{
			ExchangeID: intent.CancelOrderID,
			Status:     domain.OrderStatusCanceled,
			Success:    true,
		})
	}
}

// scheduleRetry requeues the intent after a backoff, or abandons it when the
// attempt budget is exhausted.
func (b *Batcher) scheduleRetry(ctx context.Context, intent domain.OrderIntent, attempt int) {
	if attempt > b.cfg.MaxRetries {
		b.logger.Error("intent abandoned after retries",
			slog.String("intent_id", intent.ID),
			slog.String("type", string(intent.Type)),
			slog.String("symbol", intent.Symbol),
			slog.String("idempotency_key", intent.IdempotencyKey),
			slog.Int("attempts", attempt),
		)
		return
	}

	backoff := b.cfg.RetryBackoff.Duration
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= b.cfg.MaxBackoff.Duration {
			backoff = b.cfg.MaxBackoff.Duration
			break
		}
	}

	item := retryItem{intent: intent, attempt: attempt}
	time.AfterFunc(backoff, func() {
		select {
		case b.requeue <- item:
		case <-ctx.Done():
		}
	})
}

// drain processes intents already buffered in the channel after cancellation,
// then flushes, bounded by the shutdown grace period.
func (b *Batcher) drain() {
	deadline := time.Now().Add(b.cfg.ShutdownGrace.Duration)
	drainCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	for {
		select {
		case intent, ok := <-b.intents:
			if !ok {
				b.flush(drainCtx)
				return
			}
			b.logger.Warn("draining intent after shutdown", slog.String("intent_id", intent.ID))
			b.accept(drainCtx, intent, 0)
		default:
			b.flush(drainCtx)
			return
		}
	}
}

// recordIntent persists the intent for audit. Failures are logged, not fatal.
func (b *Batcher) recordIntent(ctx context.Context, intent domain.OrderIntent) {
	if b.orders == nil {
		return
	}
	if err := b.orders.RecordIntent(ctx, intent); err != nil {
		b.logger.Warn("intent audit write failed",
			slog.String("intent_id", intent.ID),
			slog.String("error", err.Error()),
		)
	}
}

// recordPlaced persists the resulting order for audit.
func (b *Batcher) recordPlaced(ctx context.Context, intent domain.OrderIntent, result domain.OrderResult) {
	if b.orders == nil {
		return
	}
	rec := domain.OrderRecord{
		ExchangeID:    result.ExchangeID,
		ClientOrderID: result.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		PositionSide:  intent.PositionSide,
		Type:          orderTypeFor(intent),
		Status:        result.Status,
		StopPrice:     stopPriceFor(intent),
		OrigQty:       intent.Quantity,
		ReduceOnly:    intent.ReduceOnly || intent.Type.Protective() || intent.Type == domain.IntentInstantReduce,
		TrancheID:     intent.TrancheID,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := b.orders.Record(ctx, rec); err != nil {
		b.logger.Warn("order audit write failed",
			slog.Int64("order_id", result.ExchangeID),
			slog.String("error", err.Error()),
		)
	}
}

// requestFor maps an intent onto the exchange order request.
func requestFor(intent domain.OrderIntent) aster.OrderRequest {
	req := aster.OrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		PositionSide:  intent.PositionSide,
		Type:          orderTypeFor(intent),
		Quantity:      intent.Quantity,
		ClientOrderID: clientOrderID(intent),
	}
	switch intent.Type {
	case domain.IntentTakeProfit, domain.IntentStopLoss:
		req.StopPrice = intent.Price
		req.ReduceOnly = true
	case domain.IntentInstantReduce:
		req.ReduceOnly = true
	default:
		if intent.Price > 0 {
			req.Price = intent.Price
		}
		req.ReduceOnly = intent.ReduceOnly
	}
	return req
}

// orderTypeFor maps the intent type onto the exchange order type.
func orderTypeFor(intent domain.OrderIntent) domain.OrderType {
	switch intent.Type {
	case domain.IntentTakeProfit:
		return domain.OrderTypeTakeProfitMarket
	case domain.IntentStopLoss:
		return domain.OrderTypeStopMarket
	default:
		if intent.Price > 0 {
			return domain.OrderTypeLimit
		}
		return domain.OrderTypeMarket
	}
}

// clientOrderID derives a stable client order id from the intent, so a
// resubmitted intent maps to the same exchange order.
func clientOrderID(intent domain.OrderIntent) string {
	id := "lh-" + intent.ID
	if len(id) > 36 {
		id = id[:36]
	}
	return id
}

// stopPriceFor returns the trigger price for protective intents.
func stopPriceFor(intent domain.OrderIntent) float64 {
	if intent.Type.Protective() {
		return intent.Price
	}
	return 0
}
