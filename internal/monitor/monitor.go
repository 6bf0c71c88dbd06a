// Package monitor owns the in-memory position and tranche state machine. It
// reacts to fills from the user data stream, mark price ticks, and account
// reconciliation snapshots, and emits protective and reducing order intents.
//
// Concurrency model: one mutex per symbol guards that symbol's positions and
// tranches. Methods suffixed Locked assume the caller holds the symbol lock.
// Intents are collected under the lock and emitted after it is released, so
// no network or channel operation happens inside a critical section.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfall/liqhunter/internal/config"
	"github.com/quantfall/liqhunter/internal/domain"
)

// eventsChannel is the signal bus channel lifecycle events are published to.
const eventsChannel = "events"

// eventsStream is the durable stream mirroring lifecycle events.
const eventsStream = "events:log"

// SpecSource resolves per-symbol order filters.
type SpecSource interface {
	Spec(symbol string) (domain.SymbolSpec, bool)
}

// Stores bundles the persistence interfaces the monitor mirrors state into.
type Stores struct {
	Positions domain.PositionStore
	Tranches  domain.TrancheStore
	Trades    domain.TradeStore
}

// Monitor is the position monitor and tranche manager.
type Monitor struct {
	cfg    config.Monitor
	specs  SpecSource
	stores Stores
	bus    domain.SignalBus
	out    chan<- domain.OrderIntent
	logger *slog.Logger

	// onPersistFailure is invoked when a store write fails; the app uses it
	// to trigger a controlled shutdown that leaves tranches protected.
	onPersistFailure func(error)

	// locksMu guards the locks map only; the per-symbol locks guard state.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// All fields below are guarded by the owning symbol's lock.
	positions    map[string]*domain.Position // PositionKey -> position
	orderTranche map[int64]string            // exchange order id -> tranche id
	placedProt   map[string]protLevels       // tranche id -> placed levels
	splitDone    map[string]struct{}         // tranches that already split

	// priceMu guards the price map; prices are read by the tick loop.
	priceMu sync.RWMutex
	prices  map[string]float64

	// divergeMu guards reconciliation counters and halts.
	divergeMu  sync.Mutex
	divergence map[string]int  // PositionKey -> consecutive divergent updates
	halted     map[string]bool // PositionKey -> entries halted
}

// New creates a Monitor emitting intents to out. specs, stores fields, and
// bus may be nil.
func New(cfg config.Monitor, specs SpecSource, stores Stores, bus domain.SignalBus, out chan<- domain.OrderIntent, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:          cfg,
		specs:        specs,
		stores:       stores,
		bus:          bus,
		out:          out,
		logger:       logger.With(slog.String("component", "position_monitor")),
		locks:        make(map[string]*sync.Mutex),
		positions:    make(map[string]*domain.Position),
		orderTranche: make(map[int64]string),
		placedProt:   make(map[string]protLevels),
		splitDone:    make(map[string]struct{}),
		prices:       make(map[string]float64),
		divergence:   make(map[string]int),
		halted:       make(map[string]bool),
	}
}

// OnPersistFailure registers the store-failure callback. Must be called
// before Run.
func (m *Monitor) OnPersistFailure(f func(error)) {
	m.onPersistFailure = f
}

// symLock returns the mutex for a symbol, creating it on first use. The
// locks are non-reentrant; a goroutine must never lock the same symbol twice.
func (m *Monitor) symLock(symbol string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		m.locks[symbol] = l
	}
	return l
}

// Run drives the periodic tranche evaluation (splits, then merges) at the
// configured tick interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.logger.Info("position monitor disabled by configuration")
		<-ctx.Done()
		return ctx.Err()
	}
	m.logger.Info("position monitor started",
		slog.Duration("tick_interval", m.cfg.TickInterval.Duration),
		slog.Int("max_tranches", m.cfg.MaxTranches),
	)
	defer m.logger.Info("position monitor stopped")

	ticker := time.NewTicker(m.cfg.TickInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Rehydrate loads open positions and tranches from the stores, rebuilding
// the in-memory state and the order-to-tranche index. Called once at startup
// before any stream opens.
func (m *Monitor) Rehydrate(ctx context.Context) error {
	if m.stores.Positions == nil || m.stores.Tranches == nil {
		return nil
	}
	positions, err := m.stores.Positions.LoadOpen(ctx)
	if err != nil {
		return err
	}
	tranches, err := m.stores.Tranches.LoadOpen(ctx)
	if err != nil {
		return err
	}

	byPosition := make(map[string][]*domain.Tranche)
	for i := range tranches {
		t := tranches[i]
		byPosition[t.PositionID] = append(byPosition[t.PositionID], &t)
	}

	count := 0
	for i := range positions {
		p := positions[i]
		p.Tranches = byPosition[p.ID]
		if len(p.Tranches) == 0 {
			continue
		}
		key := domain.PositionKey(p.Symbol, p.PositionSide)

		lock := m.symLock(p.Symbol)
		lock.Lock()
		m.positions[key] = &p
		for _, t := range p.Tranches {
			if t.TPOrderID != 0 {
				m.orderTranche[t.TPOrderID] = t.ID
			}
			if t.SLOrderID != 0 {
				m.orderTranche[t.SLOrderID] = t.ID
			}
			tp, sl := m.desiredProtection(t)
			m.placedProt[t.ID] = protLevels{tp: tp, sl: sl}
		}
		count += len(p.Tranches)
		lock.Unlock()
	}

	m.logger.Info("state rehydrated",
		slog.Int("positions", len(positions)),
		slog.Int("tranches", count),
	)
	return nil
}

// OnPriceTick handles one mark price update: instant take-profit, protective
// drift checks, and fallback TP/SL evaluation for unprotected tranches.
func (m *Monitor) OnPriceTick(ctx context.Context, symbol string, price float64, ts time.Time) {
	if !m.cfg.Enabled || price <= 0 {
		return
	}
	m.priceMu.Lock()
	m.prices[symbol] = price
	m.priceMu.Unlock()

	var intents []domain.OrderIntent

	lock := m.symLock(symbol)
	lock.Lock()
	for _, side := range []domain.PositionSide{domain.PositionLong, domain.PositionShort} {
		p, ok := m.positions[domain.PositionKey(symbol, side)]
		if !ok {
			continue
		}
		for _, t := range p.OpenTranches() {
			intents = append(intents, m.evaluateTrancheLocked(t, price)...)
		}
	}
	lock.Unlock()

	m.emit(ctx, intents)
}

// evaluateTrancheLocked runs the per-price checks for one tranche. Caller
// holds the symbol lock.
func (m *Monitor) evaluateTrancheLocked(t *domain.Tranche, price float64) []domain.OrderIntent {
	pnl := t.PnLPercent(price)

	// A sharp favorable move takes profit immediately at market instead of
	// waiting for the resting TP trigger.
	if m.cfg.InstantTPEnabled && t.State == domain.TrancheActive && pnl >= m.cfg.InstantTPDeltaPct {
		m.logger.Info("instant take profit",
			slog.String("tranche_id", t.ID),
			slog.String("symbol", t.Symbol),
			slog.Float64("pnl_pct", pnl),
		)
		t.State = domain.TrancheClosing
		return []domain.OrderIntent{m.reduceIntentLocked(t, "instant_tp")}
	}

	// Unprotected tranches fall back to software TP/SL so a lost protective
	// order cannot leave a position unbounded.
	if t.State == domain.TrancheActive && !t.Protected() {
		if pnl >= m.cfg.TakeProfitPct {
			t.State = domain.TrancheClosing
			return []domain.OrderIntent{m.reduceIntentLocked(t, "soft_tp")}
		}
		if pnl <= -m.cfg.StopLossPct {
			t.State = domain.TrancheClosing
			return []domain.OrderIntent{m.reduceIntentLocked(t, "soft_sl")}
		}
	}

	// Drift: if the levels the live orders sit at no longer match what the
	// tranche's entry demands (after a merge or rescale), re-place them.
	if t.State == domain.TrancheActive && t.Protected() && m.cfg.ReplaceDriftPct > 0 {
		placed, ok := m.placedProt[t.ID]
		if ok {
			tp, sl := m.desiredProtection(t)
			if drift(placed.tp, tp) > m.cfg.ReplaceDriftPct || drift(placed.sl, sl) > m.cfg.ReplaceDriftPct {
				m.logger.Info("protective orders drifted, re-placing",
					slog.String("tranche_id", t.ID),
					slog.String("symbol", t.Symbol),
				)
				return m.reprotectLocked(t)
			}
		}
	}
	return nil
}

// reduceIntentLocked builds an urgent market reduce for the tranche's full
// quantity. Caller holds the symbol lock.
func (m *Monitor) reduceIntentLocked(t *domain.Tranche, reason string) domain.OrderIntent {
	id := uuid.NewString()
	return domain.OrderIntent{
		ID:             id,
		Type:           domain.IntentInstantReduce,
		Symbol:         t.Symbol,
		Side:           t.PositionSide.ExitSide(),
		PositionSide:   t.PositionSide,
		Quantity:       t.Quantity,
		ReduceOnly:     true,
		TrancheID:      t.ID,
		IdempotencyKey: "reduce:" + t.ID + ":" + reason,
		Urgent:         true,
		Reason:         reason,
		CreatedAt:      time.Now(),
	}
}

// OnFillConfirmed handles one execution from the user data stream. Entry
// fills open a tranche and queue its protective orders; reduce fills shrink
// or close the tranche they belong to.
func (m *Monitor) OnFillConfirmed(ctx context.Context, fill domain.Fill) {
	if fill.ReduceOnly {
		m.handleReduceFill(ctx, fill)
		return
	}
	m.handleEntryFill(ctx, fill)
}

func (m *Monitor) handleEntryFill(ctx context.Context, fill domain.Fill) {
	key := domain.PositionKey(fill.Symbol, fill.PositionSide)

	var intents []domain.OrderIntent
	var tranche domain.Tranche
	var position domain.Position

	lock := m.symLock(fill.Symbol)
	lock.Lock()
	p, ok := m.positions[key]
	if !ok {
		p = &domain.Position{
			ID:           uuid.NewString(),
			Symbol:       fill.Symbol,
			PositionSide: fill.PositionSide,
			OpenedAt:     fill.TradeTime,
		}
		m.positions[key] = p
	}
	t := &domain.Tranche{
		ID:           uuid.NewString(),
		PositionID:   p.ID,
		Symbol:       fill.Symbol,
		PositionSide: fill.PositionSide,
		State:        domain.TrancheOpening,
		EntryPrice:   fill.Price,
		Quantity:     fill.Quantity,
		CreatedAt:    fill.TradeTime,
	}
	p.Tranches = append(p.Tranches, t)
	p.UpdatedAt = time.Now()
	if m.cfg.Enabled {
		intents = m.protectionIntentsLocked(t)
	} else {
		// Protective automation is off: the tranche is live but unmanaged,
		// so it never waits on protective order acks.
		t.State = domain.TrancheActive
	}
	tranche = *t
	position = *p
	lock.Unlock()

	m.logger.Info("entry fill confirmed",
		slog.String("symbol", fill.Symbol),
		slog.String("position_side", string(fill.PositionSide)),
		slog.Float64("price", fill.Price),
		slog.Float64("qty", fill.Quantity),
		slog.String("tranche_id", tranche.ID),
	)

	m.persistPosition(ctx, position)
	m.persistTranche(ctx, tranche)
	m.publish(ctx, "entry_filled", map[string]any{
		"symbol":   fill.Symbol,
		"side":     string(fill.PositionSide),
		"price":    fill.Price,
		"qty":      fill.Quantity,
		"tranche":  tranche.ID,
	})
	m.emit(ctx, intents)
}

func (m *Monitor) handleReduceFill(ctx context.Context, fill domain.Fill) {
	key := domain.PositionKey(fill.Symbol, fill.PositionSide)

	var intents []domain.OrderIntent
	var closedTrade *domain.Trade
	var tranche domain.Tranche
	var position *domain.Position
	var positionGone bool

	lock := m.symLock(fill.Symbol)
	lock.Lock()
	p, ok := m.positions[key]
	if !ok {
		lock.Unlock()
		m.logger.Warn("reduce fill for unknown position",
			slog.String("symbol", fill.Symbol),
			slog.Int64("order_id", fill.OrderID),
		)
		return
	}

	t := m.trancheForFillLocked(p, fill)
	if t == nil {
		lock.Unlock()
		m.logger.Warn("reduce fill for unknown tranche",
			slog.String("symbol", fill.Symbol),
			slog.Int64("order_id", fill.OrderID),
		)
		return
	}

	reason := reasonForOrder(fill, t)
	t.Quantity -= fill.Quantity
	t.RealizedPnL += fill.RealizedPnL
	p.UpdatedAt = time.Now()

	if t.Quantity <= m.cfg.QtyEpsilon {
		// The filled order is gone on the exchange; only its sibling needs
		// a cancel.
		if fill.OrderID == t.TPOrderID {
			delete(m.orderTranche, t.TPOrderID)
			t.TPOrderID = 0
		}
		if fill.OrderID == t.SLOrderID {
			delete(m.orderTranche, t.SLOrderID)
			t.SLOrderID = 0
		}
		intents = append(intents, m.cancelProtectionLocked(t)...)
		now := time.Now()
		t.State = domain.TrancheClosed
		t.ClosedAt = &now
		t.Quantity = 0
		delete(m.placedProt, t.ID)
		delete(m.splitDone, t.ID)

		closedTrade = &domain.Trade{
			ID:           uuid.NewString(),
			TrancheID:    t.ID,
			Symbol:       t.Symbol,
			PositionSide: t.PositionSide,
			EntryPrice:   t.EntryPrice,
			ExitPrice:    fill.Price,
			Quantity:     fill.Quantity,
			RealizedPnL:  t.RealizedPnL,
			Reason:       reason,
			OpenedAt:     t.CreatedAt,
			ClosedAt:     fill.TradeTime,
		}

		if p.Quantity() <= m.cfg.QtyEpsilon {
			delete(m.positions, key)
			positionGone = true
		}
	} else {
		// Partial fill: the live protective orders are oversized now.
		intents = append(intents, m.reprotectLocked(t)...)
	}
	tranche = *t
	position = p
	lock.Unlock()

	m.logger.Info("reduce fill confirmed",
		slog.String("symbol", fill.Symbol),
		slog.String("tranche_id", tranche.ID),
		slog.Float64("qty", fill.Quantity),
		slog.Float64("realized_pnl", fill.RealizedPnL),
		slog.Bool("closed", closedTrade != nil),
	)

	m.persistTranche(ctx, tranche)
	if closedTrade != nil {
		m.persistTrade(ctx, *closedTrade)
		m.publish(ctx, "tranche_closed", map[string]any{
			"symbol":       tranche.Symbol,
			"side":         string(tranche.PositionSide),
			"tranche":      tranche.ID,
			"realized_pnl": closedTrade.RealizedPnL,
			"reason":       closedTrade.Reason,
		})
	}
	if positionGone {
		if m.stores.Positions != nil {
			if err := m.stores.Positions.Delete(ctx, position.ID); err != nil {
				m.persistFailed(err)
			}
		}
	} else {
		m.persistPosition(ctx, *position)
	}
	m.emit(ctx, intents)
}

// trancheForFillLocked resolves which tranche a reduce fill belongs to, by
// exchange order id first, then by any single closing tranche. Caller holds
// the symbol lock.
func (m *Monitor) trancheForFillLocked(p *domain.Position, fill domain.Fill) *domain.Tranche {
	if id, ok := m.orderTranche[fill.OrderID]; ok {
		for _, t := range p.Tranches {
			if t.ID == id {
				return t
			}
		}
	}
	var closing *domain.Tranche
	for _, t := range p.OpenTranches() {
		if t.State == domain.TrancheClosing {
			if closing != nil {
				return nil // ambiguous
			}
			closing = t
		}
	}
	return closing
}

// reasonForOrder labels a closing trade by which protective order filled.
func reasonForOrder(fill domain.Fill, t *domain.Tranche) string {
	switch fill.OrderID {
	case t.TPOrderID:
		return "take_profit"
	case t.SLOrderID:
		return "stop_loss"
	}
	return "reduce"
}

// OnOrderPlaced is the batcher's success callback. It wires exchange order
// ids back onto the tranches that requested them.
func (m *Monitor) OnOrderPlaced(intent domain.OrderIntent, result domain.OrderResult) {
	if intent.TrancheID == "" {
		return
	}

	var tranche *domain.Tranche

	lock := m.symLock(intent.Symbol)
	lock.Lock()
	t := m.findTrancheLocked(intent.Symbol, intent.TrancheID)
	if t == nil {
		lock.Unlock()
		return
	}
	switch intent.Type {
	case domain.IntentTakeProfit:
		t.TPOrderID = result.ExchangeID
		m.orderTranche[result.ExchangeID] = t.ID
	case domain.IntentStopLoss:
		t.SLOrderID = result.ExchangeID
		m.orderTranche[result.ExchangeID] = t.ID
	case domain.IntentInstantReduce:
		m.orderTranche[result.ExchangeID] = t.ID
	case domain.IntentCancel:
		delete(m.orderTranche, intent.CancelOrderID)
	}
	if t.Protected() && (t.State == domain.TrancheOpening || t.State == domain.TrancheTPPending || t.State == domain.TrancheSLPending) {
		t.State = domain.TrancheActive
	}
	tranche = &domain.Tranche{}
	*tranche = *t
	lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.persistTranche(ctx, *tranche)
}

// findTrancheLocked scans the symbol's positions for a tranche id. Caller
// holds the symbol lock.
func (m *Monitor) findTrancheLocked(symbol, trancheID string) *domain.Tranche {
	for _, side := range []domain.PositionSide{domain.PositionLong, domain.PositionShort} {
		if p, ok := m.positions[domain.PositionKey(symbol, side)]; ok {
			for _, t := range p.Tranches {
				if t.ID == trancheID {
					return t
				}
			}
		}
	}
	return nil
}

// OnReconciliationUpdate compares an exchange account snapshot against local
// state, per symbol and position side. Agreement resets that side's divergence
// counter; repeated divergence rescales tranches to the exchange's quantity
// and halts new entries for the symbol until restart.
func (m *Monitor) OnReconciliationUpdate(ctx context.Context, snap domain.AccountSnapshot) {
	type divergent struct {
		symbol      string
		side        domain.PositionSide
		exchangeQty float64
	}

	// Index exchange quantities, including zero entries for positions we
	// hold that the exchange no longer reports.
	exchangeQty := make(map[string]float64, len(snap.Positions))
	for _, ap := range snap.Positions {
		exchangeQty[domain.PositionKey(ap.Symbol, ap.PositionSide)] = ap.Quantity
	}

	m.locksMu.Lock()
	symbols := make([]string, 0, len(m.locks))
	for s := range m.locks {
		symbols = append(symbols, s)
	}
	m.locksMu.Unlock()

	for _, symbol := range symbols {
		var intents []domain.OrderIntent
		var halts []string

		lock := m.symLock(symbol)
		lock.Lock()
		for _, side := range []domain.PositionSide{domain.PositionLong, domain.PositionShort} {
			key := domain.PositionKey(symbol, side)
			p, ok := m.positions[key]
			if !ok {
				continue
			}
			ours := p.Quantity()
			theirs := exchangeQty[key]
			diff := ours - theirs
			if diff < 0 {
				diff = -diff
			}

			if diff <= m.cfg.QtyEpsilon {
				// Agreement resets the streak but never clears a standing
				// halt: the rescale below forces the very next snapshot into
				// agreement, so auto-clearing would undo the halt one
				// interval after it fired. A halt ends with an operator
				// restart.
				m.divergeMu.Lock()
				m.divergence[key] = 0
				m.divergeMu.Unlock()
				continue
			}

			m.divergeMu.Lock()
			m.divergence[key]++
			count := m.divergence[key]
			m.divergeMu.Unlock()

			m.logger.Warn("reconciliation divergence",
				slog.String("symbol", symbol),
				slog.String("side", string(side)),
				slog.Float64("local_qty", ours),
				slog.Float64("exchange_qty", theirs),
				slog.Int("consecutive", count),
			)

			if count < m.cfg.DivergenceLimit {
				continue
			}

			// The exchange wins. Rescale to its quantity and stop adding
			// risk until an operator looks at it.
			m.divergeMu.Lock()
			m.divergence[key] = 0
			m.halted[key] = true
			m.divergeMu.Unlock()
			halts = append(halts, string(side))

			if theirs <= m.cfg.QtyEpsilon {
				now := time.Now()
				for _, t := range p.OpenTranches() {
					intents = append(intents, m.cancelProtectionLocked(t)...)
					t.State = domain.TrancheClosed
					t.ClosedAt = &now
					t.Quantity = 0
					delete(m.placedProt, t.ID)
				}
				delete(m.positions, key)
			} else {
				intents = append(intents, m.rescaleLocked(p, theirs)...)
			}
		}
		lock.Unlock()

		for _, side := range halts {
			m.publish(ctx, "reconciliation_failed", map[string]any{
				"symbol": symbol,
				"side":   side,
			})
			m.logger.Error("entries halted after reconciliation divergence",
				slog.String("symbol", symbol),
				slog.String("side", side),
			)
		}
		m.emit(ctx, intents)
	}
}

// tick runs the periodic tranche management pass: splits first, merges
// second, and tranches created by a split are not merge candidates in the
// same pass.
func (m *Monitor) tick(ctx context.Context) {
	m.priceMu.RLock()
	prices := make(map[string]float64, len(m.prices))
	for s, p := range m.prices {
		prices[s] = p
	}
	m.priceMu.RUnlock()

	m.locksMu.Lock()
	symbols := make([]string, 0, len(m.locks))
	for s := range m.locks {
		symbols = append(symbols, s)
	}
	m.locksMu.Unlock()

	for _, symbol := range symbols {
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			continue
		}

		var intents []domain.OrderIntent
		var touched []domain.Tranche

		lock := m.symLock(symbol)
		lock.Lock()
		for _, side := range []domain.PositionSide{domain.PositionLong, domain.PositionShort} {
			p, ok := m.positions[domain.PositionKey(symbol, side)]
			if !ok {
				continue
			}
			ti, tt := m.manageTranchesLocked(p, price)
			intents = append(intents, ti...)
			touched = append(touched, tt...)
		}
		lock.Unlock()

		for _, t := range touched {
			m.persistTranche(ctx, t)
		}
		m.emit(ctx, intents)
	}
}

// manageTranchesLocked evaluates splits then merges for one position at the
// current price. Caller holds the symbol lock.
func (m *Monitor) manageTranchesLocked(p *domain.Position, price float64) ([]domain.OrderIntent, []domain.Tranche) {
	var intents []domain.OrderIntent
	var touched []domain.Tranche
	bornThisTick := make(map[string]struct{})

	// Splits.
	for _, t := range p.OpenTranches() {
		if t.State != domain.TrancheActive {
			continue
		}
		if _, done := m.splitDone[t.ID]; done {
			continue
		}
		if len(p.OpenTranches()) >= m.cfg.MaxTranches {
			break
		}
		if t.PnLPercent(price) < m.cfg.SplitPnLPct {
			continue
		}
		spun, si := m.splitLocked(p, t, price)
		if spun == nil {
			continue
		}
		bornThisTick[spun.ID] = struct{}{}
		intents = append(intents, si...)
		touched = append(touched, *t, *spun)
		m.logger.Info("tranche split",
			slog.String("symbol", p.Symbol),
			slog.String("parent", t.ID),
			slog.String("spun_off", spun.ID),
			slog.Float64("price", price),
		)
	}

	// Merges. Fresh split products sit out this pass.
	open := p.OpenTranches()
	for i := 0; i < len(open); i++ {
		a := open[i]
		if a.State != domain.TrancheActive {
			continue
		}
		if _, born := bornThisTick[a.ID]; born {
			continue
		}
		for j := i + 1; j < len(open); j++ {
			b := open[j]
			if b.State != domain.TrancheActive {
				continue
			}
			if _, born := bornThisTick[b.ID]; born {
				continue
			}
			pnlDiff := a.PnLPercent(price) - b.PnLPercent(price)
			if pnlDiff < 0 {
				pnlDiff = -pnlDiff
			}
			ageDiff := a.CreatedAt.Sub(b.CreatedAt)
			if ageDiff < 0 {
				ageDiff = -ageDiff
			}
			if pnlDiff > m.cfg.MergePnLTolerance || ageDiff > m.cfg.MergeAgeTolerance.Duration {
				continue
			}
			dst, src := a, b
			if b.CreatedAt.Before(a.CreatedAt) {
				dst, src = b, a
			}
			intents = append(intents, m.mergeLocked(dst, src)...)
			touched = append(touched, *dst, *src)
			m.logger.Info("tranches merged",
				slog.String("symbol", p.Symbol),
				slog.String("survivor", dst.ID),
				slog.String("absorbed", src.ID),
			)
			// Re-evaluate from scratch next tick rather than chaining
			// merges on stale snapshots.
			return intents, touched
		}
	}
	return intents, touched
}

// ExpectedProtections returns the exchange order ids of every live
// protective order, for the cleanup service's orphan diff.
func (m *Monitor) ExpectedProtections() map[int64]struct{} {
	m.locksMu.Lock()
	symbols := make([]string, 0, len(m.locks))
	for s := range m.locks {
		symbols = append(symbols, s)
	}
	m.locksMu.Unlock()

	out := make(map[int64]struct{})
	for _, symbol := range symbols {
		lock := m.symLock(symbol)
		lock.Lock()
		for _, side := range []domain.PositionSide{domain.PositionLong, domain.PositionShort} {
			p, ok := m.positions[domain.PositionKey(symbol, side)]
			if !ok {
				continue
			}
			for _, t := range p.OpenTranches() {
				if t.TPOrderID != 0 {
					out[t.TPOrderID] = struct{}{}
				}
				if t.SLOrderID != 0 {
					out[t.SLOrderID] = struct{}{}
				}
			}
		}
		lock.Unlock()
	}
	return out
}

// OpenExposureUSD sums the entry notional of all open tranches.
func (m *Monitor) OpenExposureUSD() float64 {
	m.locksMu.Lock()
	symbols := make([]string, 0, len(m.locks))
	for s := range m.locks {
		symbols = append(symbols, s)
	}
	m.locksMu.Unlock()

	var total float64
	for _, symbol := range symbols {
		lock := m.symLock(symbol)
		lock.Lock()
		for _, side := range []domain.PositionSide{domain.PositionLong, domain.PositionShort} {
			if p, ok := m.positions[domain.PositionKey(symbol, side)]; ok {
				for _, t := range p.OpenTranches() {
					total += t.EntryPrice * t.Quantity
				}
			}
		}
		lock.Unlock()
	}
	return total
}

// EntriesHalted reports whether new entries are blocked for the symbol. A
// halt on either hedge side blocks the whole symbol.
func (m *Monitor) EntriesHalted(symbol string) bool {
	m.divergeMu.Lock()
	defer m.divergeMu.Unlock()
	return m.halted[domain.PositionKey(symbol, domain.PositionLong)] ||
		m.halted[domain.PositionKey(symbol, domain.PositionShort)]
}

// HaltedSymbols lists symbols with entries currently halted.
func (m *Monitor) HaltedSymbols() []string {
	m.divergeMu.Lock()
	defer m.divergeMu.Unlock()
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for key, h := range m.halted {
		if !h {
			continue
		}
		symbol := key
		if i := strings.IndexByte(key, ':'); i >= 0 {
			symbol = key[:i]
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	return out
}

// emit sends intents to the batcher, respecting ctx.
func (m *Monitor) emit(ctx context.Context, intents []domain.OrderIntent) {
	for _, intent := range intents {
		select {
		case <-ctx.Done():
			m.logger.Warn("context cancelled while emitting intents",
				slog.Int("remaining", len(intents)),
			)
			return
		case m.out <- intent:
		}
	}
}

// publish sends a lifecycle event to the signal bus, channel and stream.
// Best effort: bus failures are logged, never fatal.
func (m *Monitor) publish(ctx context.Context, event string, fields map[string]any) {
	if m.bus == nil {
		return
	}
	fields["event"] = event
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	payload, err := json.Marshal(fields)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, eventsChannel, payload); err != nil {
		m.logger.Debug("event publish failed", slog.String("error", err.Error()))
	}
	if err := m.bus.StreamAppend(ctx, eventsStream, payload); err != nil {
		m.logger.Debug("event stream append failed", slog.String("error", err.Error()))
	}
}

func (m *Monitor) persistPosition(ctx context.Context, p domain.Position) {
	if m.stores.Positions == nil {
		return
	}
	if err := m.stores.Positions.Upsert(ctx, p); err != nil {
		m.persistFailed(err)
	}
}

func (m *Monitor) persistTranche(ctx context.Context, t domain.Tranche) {
	if m.stores.Tranches == nil {
		return
	}
	if err := m.stores.Tranches.Upsert(ctx, t); err != nil {
		m.persistFailed(err)
	}
}

func (m *Monitor) persistTrade(ctx context.Context, t domain.Trade) {
	if m.stores.Trades == nil {
		return
	}
	if err := m.stores.Trades.Save(ctx, t); err != nil {
		m.persistFailed(err)
	}
}

func (m *Monitor) persistFailed(err error) {
	m.logger.Error("state persistence failed", slog.String("error", err.Error()))
	if m.onPersistFailure != nil {
		m.onPersistFailure(err)
	}
}

// drift returns the relative distance between two price levels.
func drift(placed, desired float64) float64 {
	if desired == 0 {
		return 0
	}
	d := (placed - desired) / desired
	if d < 0 {
		return -d
	}
	return d
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
