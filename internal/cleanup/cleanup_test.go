package cleanup

import (
	"context"
	"fmt"
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

type fakeLister struct {
	open      []domain.OrderRecord
	listErr   error
	cancelled []int64
	cancelErr map[int64]error
}

func (f *fakeLister) OpenOrders(_ context.Context, _ string) ([]domain.OrderRecord, error) {
	return f.open, f.listErr
}

func (f *fakeLister) CancelOrder(_ context.Context, _ string, orderID int64) error {
	if err, ok := f.cancelErr[orderID]; ok {
		return err
	}
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

type fakeProtections map[int64]struct{}

func (f fakeProtections) ExpectedProtections() map[int64]struct{} { return f }

func cleanupCfg() config.Cleanup {
	return config.Cleanup{
		Interval:        config.DurationOf(time.Minute),
		YoungOrderGrace: config.DurationOf(time.Minute),
	}
}

func protOrder(id int64, age time.Duration) domain.OrderRecord {
	return domain.OrderRecord{
		ExchangeID: id,
		Symbol:     "BTCUSDT",
		Type:       domain.OrderTypeStopMarket,
		ReduceOnly: true,
		CreatedAt:  time.Now().Add(-age),
	}
}

func TestSweepCancelsOrphans(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{
		open: []domain.OrderRecord{
			protOrder(1, time.Hour), // expected
			protOrder(2, time.Hour), // orphan
		},
	}
	c := New(cleanupCfg(), lister, fakeProtections{1: {}}, nil, discardLogger())

	require.NoError(t, c.Sweep(context.Background()))
	assert.Equal(t, []int64{2}, lister.cancelled)
}

func TestSweepSparesExpectedProtections(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{
		open: []domain.OrderRecord{protOrder(10, time.Hour), protOrder(11, time.Hour)},
	}
	c := New(cleanupCfg(), lister, fakeProtections{10: {}, 11: {}}, nil, discardLogger())

	require.NoError(t, c.Sweep(context.Background()))
	assert.Empty(t, lister.cancelled)
}

func TestSweepSparesYoungOrders(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{
		open: []domain.OrderRecord{
			protOrder(20, 10*time.Second), // young orphan: mapping may still settle
			protOrder(21, 2*time.Minute),  // old orphan
		},
	}
	c := New(cleanupCfg(), lister, fakeProtections{}, nil, discardLogger())

	require.NoError(t, c.Sweep(context.Background()))
	assert.Equal(t, []int64{21}, lister.cancelled)
}

func TestSweepIgnoresForeignOrders(t *testing.T) {
	t.Parallel()

	manual := domain.OrderRecord{
		ExchangeID: 30,
		Symbol:     "BTCUSDT",
		Type:       domain.OrderTypeLimit,
		ReduceOnly: false,
		CreatedAt:  time.Now().Add(-time.Hour),
	}
	lister := &fakeLister{open: []domain.OrderRecord{manual}}
	c := New(cleanupCfg(), lister, fakeProtections{}, nil, discardLogger())

	require.NoError(t, c.Sweep(context.Background()))
	assert.Empty(t, lister.cancelled, "non-protective orders are left alone")
}

func TestSweepUnknownOrderTreatedAsSuccess(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{
		open: []domain.OrderRecord{protOrder(40, time.Hour)},
		cancelErr: map[int64]error{
			40: fmt.Errorf("order does not exist: %w", domain.ErrUnknownOrder),
		},
	}
	c := New(cleanupCfg(), lister, fakeProtections{}, nil, discardLogger())

	// No error, and no retry churn: the order is simply gone.
	require.NoError(t, c.Sweep(context.Background()))
	assert.Empty(t, lister.cancelled)
}

func TestSweepPropagatesListError(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{listErr: domain.ErrRateLimited}
	c := New(cleanupCfg(), lister, fakeProtections{}, nil, discardLogger())

	assert.ErrorIs(t, c.Sweep(context.Background()), domain.ErrRateLimited)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := cleanupCfg()
	cfg.Interval = config.DurationOf(5 * time.Millisecond)

	lister := &fakeLister{}
	c := New(cfg, lister, fakeProtections{}, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cleaner did not stop")
	}
}
