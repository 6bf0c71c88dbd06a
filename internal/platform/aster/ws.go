package aster

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfall/liqhunter/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Backoff controls reconnect delays. Next returns the delay for the given
// 1-based attempt with jitter applied.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// DefaultBackoff provides conservative reconnect defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    2 * time.Second,
		Max:    60 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Next returns the next backoff duration for the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = 2 * time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 60 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// URLFunc resolves the stream URL before each (re)connect. User-data streams
// use this to mint a fresh listen key when the previous one expired.
type URLFunc func(ctx context.Context) (string, error)

// StaticURL returns a URLFunc for streams whose URL never changes.
func StaticURL(u string) URLFunc {
	return func(context.Context) (string, error) { return u, nil }
}

// Handlers for the typed stream events. Unset handlers drop their events.
type (
	LiquidationHandler      func(domain.LiquidationEvent)
	MarkPriceHandler        func(symbol string, price float64, ts time.Time)
	OrderUpdateHandler      func(domain.Fill, domain.OrderStatus, int64)
	AccountUpdateHandler    func(domain.AccountSnapshot)
	ListenKeyExpiredHandler func()
)

// WSClient is a websocket client for one exchange stream. It manages the
// connection lifecycle with ping/pong keep-alive and reconnects with
// exponential backoff, re-resolving the URL each attempt.
type WSClient struct {
	urlFn   URLFunc
	backoff Backoff

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	handlerMu        sync.RWMutex
	liquidationH     LiquidationHandler
	markPriceH       MarkPriceHandler
	orderUpdateH     OrderUpdateHandler
	accountUpdateH   AccountUpdateHandler
	listenKeyExpH    ListenKeyExpiredHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a stream client. The URL is resolved via urlFn before
// every connection attempt.
func NewWSClient(urlFn URLFunc) *WSClient {
	return &WSClient{
		urlFn:   urlFn,
		backoff: DefaultBackoff(),
		done:    make(chan struct{}),
	}
}

// OnLiquidation registers the forced-liquidation handler.
func (w *WSClient) OnLiquidation(h LiquidationHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.liquidationH = h
}

// OnMarkPrice registers the mark-price handler.
func (w *WSClient) OnMarkPrice(h MarkPriceHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.markPriceH = h
}

// OnOrderUpdate registers the order/fill handler. It receives the normalized
// fill (quantity zero for pure status changes), the order status, and the
// exchange order id.
func (w *WSClient) OnOrderUpdate(h OrderUpdateHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.orderUpdateH = h
}

// OnAccountUpdate registers the account snapshot handler.
func (w *WSClient) OnAccountUpdate(h AccountUpdateHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.accountUpdateH = h
}

// OnListenKeyExpired registers the listen-key expiry handler.
func (w *WSClient) OnListenKeyExpired(h ListenKeyExpiredHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.listenKeyExpH = h
}

// Run connects and processes messages until ctx is cancelled or Close is
// called. Disconnects and heartbeat timeouts trigger reconnection with
// backoff; Run only returns an error for context cancellation.
func (w *WSClient) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return nil
		default:
		}

		err := w.runConnection(ctx)
		if err == nil {
			// Clean shutdown.
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		delay := w.backoff.Next(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-w.done:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runConnection dials once and reads until the connection drops. A non-nil
// error means the caller should reconnect.
func (w *WSClient) runConnection(ctx context.Context) error {
	wsURL, err := w.urlFn(ctx)
	if err != nil {
		return fmt.Errorf("aster/ws: resolve url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("aster/ws: connect: %w", err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		return nil
	}
	w.conn = conn
	w.mu.Unlock()

	// Heartbeat: a missed pong pushes the read deadline past and fails the
	// read, which is treated as a disconnect.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// The exchange also pings us; answer to keep the server side alive.
	conn.SetPingHandler(func(appData string) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	pingDone := make(chan struct{})
	go w.pingLoop(conn, pingDone)
	defer close(pingDone)
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return nil
			default:
			}
			return fmt.Errorf("aster/ws: read: %w", domain.ErrWSDisconnect)
		}

		w.handleMessage(message)
	}
}

// Close shuts down the client. Safe to call multiple times.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// pingLoop sends periodic ping messages until the connection goes away.
func (w *WSClient) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-w.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw stream message and routes it by event type.
// Array payloads (the @arr streams) are unpacked and handled per element.
// Malformed messages are silently dropped.
func (w *WSClient) handleMessage(raw []byte) {
	if len(raw) > 0 && raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return
		}
		for _, item := range items {
			w.handleMessage(item)
		}
		return
	}

	var envelope StreamEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	switch envelope.Event {
	case "forceOrder":
		var msg ForceOrderMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		w.handlerMu.RLock()
		h := w.liquidationH
		w.handlerMu.RUnlock()
		if h != nil {
			h(msg.ToDomain())
		}

	case "markPriceUpdate":
		var msg MarkPriceMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		w.handlerMu.RLock()
		h := w.markPriceH
		w.handlerMu.RUnlock()
		if h != nil {
			h(msg.Symbol, parseFloat(msg.MarkPrice), time.UnixMilli(msg.EventTime))
		}

	case "ORDER_TRADE_UPDATE":
		var msg OrderTradeUpdateMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		w.handlerMu.RLock()
		h := w.orderUpdateH
		w.handlerMu.RUnlock()
		if h != nil {
			h(msg.ToFill(), domain.OrderStatus(msg.Order.Status), msg.Order.OrderID)
		}

	case "ACCOUNT_UPDATE":
		var msg AccountUpdateMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		w.handlerMu.RLock()
		h := w.accountUpdateH
		w.handlerMu.RUnlock()
		if h != nil {
			h(msg.ToDomain())
		}

	case "listenKeyExpired":
		w.handlerMu.RLock()
		h := w.listenKeyExpH
		w.handlerMu.RUnlock()
		if h != nil {
			h()
		}
	}
}
