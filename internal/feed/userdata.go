package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quantfall/liqhunter/internal/domain"
	"github.com/quantfall/liqhunter/internal/platform/aster"
)

// FillHandler is called for each execution carrying a non-zero quantity.
type FillHandler func(ctx context.Context, fill domain.Fill)

// OrderStatusHandler is called for every order update, fills included.
type OrderStatusHandler func(ctx context.Context, exchangeID int64, status domain.OrderStatus)

// AccountHandler is called for each account balance and position snapshot.
type AccountHandler func(ctx context.Context, snap domain.AccountSnapshot)

// UserDataFeed consumes the private user data stream. It owns the listen key
// lifecycle: a fresh key is minted before every (re)connect and kept alive on
// a timer, so an expired key simply heals on the next reconnect.
type UserDataFeed struct {
	client    *aster.Client
	ws        *aster.WSClient
	keepalive time.Duration
	logger    *slog.Logger

	onFill    FillHandler
	onStatus  OrderStatusHandler
	onAccount AccountHandler

	mu        sync.Mutex
	listenKey string

	closeOnce sync.Once
}

// NewUserDataFeed creates the feed. wsBaseURL is the stream host, e.g.
// wss://fstream.asterdex.com; the listen key path is appended per connect.
func NewUserDataFeed(client *aster.Client, wsBaseURL string, keepalive time.Duration, logger *slog.Logger) *UserDataFeed {
	if keepalive <= 0 {
		keepalive = 30 * time.Minute
	}
	f := &UserDataFeed{
		client:    client,
		keepalive: keepalive,
		logger:    logger.With(slog.String("component", "userdata_feed")),
	}
	f.ws = aster.NewWSClient(func(ctx context.Context) (string, error) {
		key, err := client.CreateListenKey(ctx)
		if err != nil {
			return "", err
		}
		f.mu.Lock()
		f.listenKey = key
		f.mu.Unlock()
		f.logger.Info("listen key created")
		return wsBaseURL + "/ws/" + key, nil
	})
	f.ws.OnOrderUpdate(f.ingestOrderUpdate)
	f.ws.OnAccountUpdate(f.ingestAccountUpdate)
	f.ws.OnListenKeyExpired(func() {
		// The exchange drops the socket shortly after; the reconnect mints
		// a fresh key.
		f.logger.Warn("listen key expired")
	})
	return f
}

// OnFill registers the execution handler.
func (f *UserDataFeed) OnFill(h FillHandler) { f.onFill = h }

// OnOrderStatus registers the order status handler.
func (f *UserDataFeed) OnOrderStatus(h OrderStatusHandler) { f.onStatus = h }

// OnAccount registers the account snapshot handler.
func (f *UserDataFeed) OnAccount(h AccountHandler) { f.onAccount = h }

// Run connects and consumes the stream until ctx is cancelled, keeping the
// listen key alive in the background.
func (f *UserDataFeed) Run(ctx context.Context) error {
	f.logger.Info("user data feed started", slog.Duration("keepalive", f.keepalive))
	defer f.logger.Info("user data feed stopped")

	keepaliveDone := make(chan struct{})
	go f.keepaliveLoop(ctx, keepaliveDone)
	defer close(keepaliveDone)

	err := f.ws.Run(ctx)

	f.mu.Lock()
	key := f.listenKey
	f.listenKey = ""
	f.mu.Unlock()
	if key != "" {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if cerr := f.client.CloseListenKey(closeCtx); cerr != nil {
			f.logger.Debug("listen key close failed", slog.String("error", cerr.Error()))
		}
		cancel()
	}
	return err
}

// Close stops the feed.
func (f *UserDataFeed) Close() {
	f.closeOnce.Do(func() { f.ws.Close() })
}

func (f *UserDataFeed) keepaliveLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(f.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			f.mu.Lock()
			key := f.listenKey
			f.mu.Unlock()
			if key == "" {
				continue
			}
			kaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := f.client.KeepaliveListenKey(kaCtx)
			cancel()
			if err != nil {
				// A failed keepalive is survivable: the key eventually
				// expires and the reconnect path mints a new one.
				f.logger.Warn("listen key keepalive failed", slog.String("error", err.Error()))
				continue
			}
			f.logger.Debug("listen key refreshed")
		}
	}
}

func (f *UserDataFeed) ingestOrderUpdate(fill domain.Fill, status domain.OrderStatus, exchangeID int64) {
	ctx := context.Background()
	if f.onStatus != nil {
		f.onStatus(ctx, exchangeID, status)
	}
	if f.onFill != nil && fill.Quantity > 0 {
		f.onFill(ctx, fill)
	}
}

func (f *UserDataFeed) ingestAccountUpdate(snap domain.AccountSnapshot) {
	if f.onAccount != nil {
		f.onAccount(context.Background(), snap)
	}
}
