package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfall/liqhunter/internal/config"
	"github.com/quantfall/liqhunter/internal/domain"
	"github.com/quantfall/liqhunter/internal/platform/aster"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeSubmitter records submissions and serves scripted results.
type fakeSubmitter struct {
	mu       sync.Mutex
	singles  []aster.OrderRequest
	batches  [][]aster.OrderRequest
	cancels  []int64
	nextID   int64
	batchErr error
	results  []domain.OrderResult // scripted single-order results, in order
}

func (f *fakeSubmitter) PlaceOrder(_ context.Context, req aster.OrderRequest) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singles = append(f.singles, req)
	if len(f.results) > 0 {
		res := f.results[0]
		f.results = f.results[1:]
		return res, nil
	}
	f.nextID++
	return domain.OrderResult{ExchangeID: f.nextID, Status: domain.OrderStatusNew, Success: true}, nil
}

func (f *fakeSubmitter) PlaceBatch(_ context.Context, reqs []aster.OrderRequest) ([]domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	f.batches = append(f.batches, reqs)
	out := make([]domain.OrderResult, 0, len(reqs))
	for range reqs {
		f.nextID++
		out = append(out, domain.OrderResult{ExchangeID: f.nextID, Status: domain.OrderStatusNew, Success: true})
	}
	return out, nil
}

func (f *fakeSubmitter) CancelOrder(_ context.Context, _ string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	return nil
}

func (f *fakeSubmitter) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeSubmitter) singleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.singles)
}

func batcherCfg() config.Batcher {
	return config.Batcher{
		BatchOrders:   true,
		Window:        config.DurationOf(20 * time.Millisecond),
		MaxBatchSize:  5,
		MaxRetries:    3,
		RetryBackoff:  config.DurationOf(5 * time.Millisecond),
		MaxBackoff:    config.DurationOf(50 * time.Millisecond),
		ShutdownGrace: config.DurationOf(time.Second),
	}
}

func entryIntent(id string) domain.OrderIntent {
	return domain.OrderIntent{
		ID:             id,
		Type:           domain.IntentEntry,
		Symbol:         "BTCUSDT",
		Side:           domain.SideBuy,
		PositionSide:   domain.PositionLong,
		Quantity:       0.01,
		IdempotencyKey: "entry:" + id,
		CreatedAt:      time.Now(),
	}
}

func runBatcher(t *testing.T, b *Batcher) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	return func() {
		cancelCtx()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("batcher did not stop")
		}
	}
}

func TestBatcherAggregatesWithinWindow(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	in := make(chan domain.OrderIntent, 8)
	b := NewBatcher(batcherCfg(), sub, in, nil, discardLogger())
	stop := runBatcher(t, b)
	defer stop()

	in <- entryIntent("a")
	in <- entryIntent("b")
	in <- entryIntent("c")

	require.Eventually(t, func() bool { return sub.batchCount() == 1 }, time.Second, 5*time.Millisecond)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Len(t, sub.batches[0], 3, "all three intents land in one batch")
	assert.Empty(t, sub.singles)
}

func TestBatcherFlushesAtMaxSize(t *testing.T) {
	t.Parallel()

	cfg := batcherCfg()
	cfg.Window = config.DurationOf(time.Hour) // only the size cap can trigger

	sub := &fakeSubmitter{}
	in := make(chan domain.OrderIntent, 8)
	b := NewBatcher(cfg, sub, in, nil, discardLogger())
	stop := runBatcher(t, b)
	defer stop()

	for i := 0; i < 5; i++ {
		in <- entryIntent(fmt.Sprintf("i%d", i))
	}

	require.Eventually(t, func() bool { return sub.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Len(t, sub.batches[0], 5)
}

func TestBatcherUrgentBypassesWindow(t *testing.T) {
	t.Parallel()

	cfg := batcherCfg()
	cfg.Window = config.DurationOf(time.Hour)

	sub := &fakeSubmitter{}
	in := make(chan domain.OrderIntent, 8)
	b := NewBatcher(cfg, sub, in, nil, discardLogger())
	stop := runBatcher(t, b)
	defer stop()

	urgent := entryIntent("u")
	urgent.Type = domain.IntentInstantReduce
	urgent.Urgent = true
	in <- urgent

	require.Eventually(t, func() bool { return sub.singleCount() == 1 }, time.Second, 5*time.Millisecond)
	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.True(t, sub.singles[0].ReduceOnly)
	assert.Equal(t, domain.OrderTypeMarket, sub.singles[0].Type)
}

func TestBatcherDeduplicates(t *testing.T) {
	t.Parallel()

	cfg := batcherCfg()
	cfg.BatchOrders = false

	sub := &fakeSubmitter{}
	in := make(chan domain.OrderIntent, 8)
	b := NewBatcher(cfg, sub, in, nil, discardLogger())
	stop := runBatcher(t, b)
	defer stop()

	it := entryIntent("same")
	in <- it
	in <- it

	require.Eventually(t, func() bool { return sub.singleCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sub.singleCount(), "duplicate idempotency key never reaches the exchange")
}

func TestBatcherDropsExpiredIntents(t *testing.T) {
	t.Parallel()

	cfg := batcherCfg()
	cfg.BatchOrders = false

	sub := &fakeSubmitter{}
	in := make(chan domain.OrderIntent, 8)
	b := NewBatcher(cfg, sub, in, nil, discardLogger())
	stop := runBatcher(t, b)
	defer stop()

	it := entryIntent("old")
	it.ExpiresAt = time.Now().Add(-time.Second)
	in <- it

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sub.singleCount())
}

func TestBatcherCancelGoesDirect(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	in := make(chan domain.OrderIntent, 8)
	b := NewBatcher(batcherCfg(), sub, in, nil, discardLogger())

	var placed []domain.OrderResult
	var mu sync.Mutex
	b.OnPlaced(func(_ domain.OrderIntent, res domain.OrderResult) {
		mu.Lock()
		placed = append(placed, res)
		mu.Unlock()
	})
	stop := runBatcher(t, b)
	defer stop()

	in <- domain.OrderIntent{
		ID:            "c1",
		Type:          domain.IntentCancel,
		Symbol:        "BTCUSDT",
		CancelOrderID: 777,
	}

	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.cancels) == 1
	}, time.Second, 5*time.Millisecond)

	sub.mu.Lock()
	assert.Equal(t, int64(777), sub.cancels[0])
	sub.mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(placed) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, domain.OrderStatusCanceled, placed[0].Status)
	mu.Unlock()
}

func TestBatcherRetriesRejectedIntent(t *testing.T) {
	t.Parallel()

	cfg := batcherCfg()
	cfg.BatchOrders = false

	sub := &fakeSubmitter{
		results: []domain.OrderResult{
			{Success: false, Status: domain.OrderStatusRejected, Retryable: true, Message: "transient"},
		},
	}
	in := make(chan domain.OrderIntent, 8)
	b := NewBatcher(cfg, sub, in, nil, discardLogger())

	var successes int
	var mu sync.Mutex
	b.OnPlaced(func(domain.OrderIntent, domain.OrderResult) {
		mu.Lock()
		successes++
		mu.Unlock()
	})
	stop := runBatcher(t, b)
	defer stop()

	in <- entryIntent("r")

	require.Eventually(t, func() bool { return sub.singleCount() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return successes == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBatcherAbandonsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	cfg := batcherCfg()
	cfg.BatchOrders = false
	cfg.MaxRetries = 2

	sub := &fakeSubmitter{
		results: []domain.OrderResult{
			{Success: false, Status: domain.OrderStatusRejected, Retryable: true},
			{Success: false, Status: domain.OrderStatusRejected, Retryable: true},
			{Success: false, Status: domain.OrderStatusRejected, Retryable: true},
			{Success: false, Status: domain.OrderStatusRejected, Retryable: true},
		},
	}
	in := make(chan domain.OrderIntent, 8)
	b := NewBatcher(cfg, sub, in, nil, discardLogger())
	stop := runBatcher(t, b)
	defer stop()

	in <- entryIntent("doomed")

	// Initial attempt plus two retries, then abandoned.
	require.Eventually(t, func() bool { return sub.singleCount() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, sub.singleCount())
}

func TestBatcherNonRetryableNotRetried(t *testing.T) {
	t.Parallel()

	cfg := batcherCfg()
	cfg.BatchOrders = false

	sub := &fakeSubmitter{
		results: []domain.OrderResult{
			{Success: false, Status: domain.OrderStatusRejected, Retryable: false, Message: "bad filter"},
		},
	}
	in := make(chan domain.OrderIntent, 8)
	b := NewBatcher(cfg, sub, in, nil, discardLogger())
	stop := runBatcher(t, b)
	defer stop()

	in <- entryIntent("n")

	require.Eventually(t, func() bool { return sub.singleCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sub.singleCount())
}

func TestBatcherDrainsOnShutdown(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	in := make(chan domain.OrderIntent, 8)
	b := NewBatcher(batcherCfg(), sub, in, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()

	in <- entryIntent("pending")
	time.Sleep(5 * time.Millisecond) // let it enter the pending batch
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batcher did not stop")
	}
	assert.Equal(t, 1, sub.singleCount(), "pending intent flushed during shutdown")
}

func TestRequestForProtectiveIntent(t *testing.T) {
	t.Parallel()

	tp := domain.OrderIntent{
		ID:           "tp1",
		Type:         domain.IntentTakeProfit,
		Symbol:       "ETHUSDT",
		Side:         domain.SideSell,
		PositionSide: domain.PositionLong,
		Quantity:     1.5,
		Price:        2500,
		TrancheID:    "t1",
	}
	req := requestFor(tp)
	assert.Equal(t, domain.OrderTypeTakeProfitMarket, req.Type)
	assert.InDelta(t, 2500.0, req.StopPrice, 1e-9)
	assert.Zero(t, req.Price, "trigger price is stopPrice, not a limit price")
	assert.True(t, req.ReduceOnly)

	sl := tp
	sl.Type = domain.IntentStopLoss
	sl.Price = 2300
	req = requestFor(sl)
	assert.Equal(t, domain.OrderTypeStopMarket, req.Type)
	assert.InDelta(t, 2300.0, req.StopPrice, 1e-9)
	assert.True(t, req.ReduceOnly)
}
