package monitor

import (
	"time"

	"github.com/google/uuid"

	"github.com/quantfall/liqhunter/internal/domain"
)

// protLevels remembers the trigger prices the live protective orders were
// placed at, so drift can be measured against the currently desired levels.
type protLevels struct {
	tp float64
	sl float64
}

// desiredProtection computes the TP and SL trigger prices for a tranche from
// its entry price, rounded to the symbol's tick when a spec is known.
func (m *Monitor) desiredProtection(t *domain.Tranche) (tp, sl float64) {
	if t.PositionSide == domain.PositionLong {
		tp = t.EntryPrice * (1 + m.cfg.TakeProfitPct)
		sl = t.EntryPrice * (1 - m.cfg.StopLossPct)
	} else {
		tp = t.EntryPrice * (1 - m.cfg.TakeProfitPct)
		sl = t.EntryPrice * (1 + m.cfg.StopLossPct)
	}
	if m.specs != nil {
		if spec, ok := m.specs.Spec(t.Symbol); ok {
			tp = spec.RoundPrice(tp)
			sl = spec.RoundPrice(sl)
		}
	}
	return tp, sl
}

// protectionIntents builds the TP and SL intents for a tranche and records
// the levels they were computed for. Caller holds the symbol lock.
func (m *Monitor) protectionIntentsLocked(t *domain.Tranche) []domain.OrderIntent {
	tp, sl := m.desiredProtection(t)
	m.placedProt[t.ID] = protLevels{tp: tp, sl: sl}

	exit := t.PositionSide.ExitSide()
	now := time.Now()
	return []domain.OrderIntent{
		{
			ID:             uuid.NewString(),
			Type:           domain.IntentTakeProfit,
			Symbol:         t.Symbol,
			Side:           exit,
			PositionSide:   t.PositionSide,
			Quantity:       t.Quantity,
			Price:          tp,
			ReduceOnly:     true,
			TrancheID:      t.ID,
			IdempotencyKey: "tp:" + t.ID + ":" + formatLevel(tp, t.Quantity),
			Reason:         "protect_tranche",
			CreatedAt:      now,
		},
		{
			ID:             uuid.NewString(),
			Type:           domain.IntentStopLoss,
			Symbol:         t.Symbol,
			Side:           exit,
			PositionSide:   t.PositionSide,
			Quantity:       t.Quantity,
			Price:          sl,
			ReduceOnly:     true,
			TrancheID:      t.ID,
			IdempotencyKey: "sl:" + t.ID + ":" + formatLevel(sl, t.Quantity),
			Reason:         "protect_tranche",
			CreatedAt:      now,
		},
	}
}

// reprotectLocked cancels the live protective orders of a tranche and queues
// fresh ones sized for its current quantity. Used after merges, splits, and
// reconciliation rescales. Caller holds the symbol lock.
func (m *Monitor) reprotectLocked(t *domain.Tranche) []domain.OrderIntent {
	var intents []domain.OrderIntent
	intents = append(intents, m.cancelProtectionLocked(t)...)
	t.State = domain.TrancheTPPending
	intents = append(intents, m.protectionIntentsLocked(t)...)
	return intents
}

// cancelProtectionLocked queues cancels for whichever protective orders are
// live and forgets their ids. Caller holds the symbol lock.
func (m *Monitor) cancelProtectionLocked(t *domain.Tranche) []domain.OrderIntent {
	var intents []domain.OrderIntent
	now := time.Now()
	if t.TPOrderID != 0 {
		intents = append(intents, domain.OrderIntent{
			ID:            uuid.NewString(),
			Type:          domain.IntentCancel,
			Symbol:        t.Symbol,
			CancelOrderID: t.TPOrderID,
			TrancheID:     t.ID,
			Reason:        "replace_protection",
			CreatedAt:     now,
		})
		delete(m.orderTranche, t.TPOrderID)
		t.TPOrderID = 0
	}
	if t.SLOrderID != 0 {
		intents = append(intents, domain.OrderIntent{
			ID:            uuid.NewString(),
			Type:          domain.IntentCancel,
			Symbol:        t.Symbol,
			CancelOrderID: t.SLOrderID,
			TrancheID:     t.ID,
			Reason:        "replace_protection",
			CreatedAt:     now,
		})
		delete(m.orderTranche, t.SLOrderID)
		t.SLOrderID = 0
	}
	return intents
}

// splitLocked carves a profitable tranche in two: the original keeps its cost
// basis with the remaining quantity, the spun-off part re-bases at the
// current price. Both halves get fresh protective orders. Caller holds the
// symbol lock.
func (m *Monitor) splitLocked(p *domain.Position, t *domain.Tranche, price float64) (*domain.Tranche, []domain.OrderIntent) {
	splitQty := t.Quantity * m.cfg.SplitFraction
	if m.specs != nil {
		if spec, ok := m.specs.Spec(t.Symbol); ok {
			splitQty = spec.RoundQty(splitQty)
			if splitQty < spec.MinQty || (t.Quantity-splitQty) < spec.MinQty {
				return nil, nil
			}
		}
	}
	if splitQty <= 0 || splitQty >= t.Quantity {
		return nil, nil
	}

	// Re-basing at market moves the carved-out quantity's basis gain out of
	// unrealized; booking it as realized keeps the aggregate P&L across the
	// split unchanged.
	basisPnL := (price - t.EntryPrice) * splitQty
	if t.PositionSide == domain.PositionShort {
		basisPnL = -basisPnL
	}

	spun := &domain.Tranche{
		ID:           uuid.NewString(),
		PositionID:   p.ID,
		Symbol:       t.Symbol,
		PositionSide: t.PositionSide,
		State:        domain.TrancheTPPending,
		EntryPrice:   price,
		Quantity:     splitQty,
		RealizedPnL:  basisPnL,
		CreatedAt:    time.Now(),
	}
	t.Quantity -= splitQty
	p.Tranches = append(p.Tranches, spun)
	m.splitDone[t.ID] = struct{}{}

	var intents []domain.OrderIntent
	intents = append(intents, m.reprotectLocked(t)...)
	intents = append(intents, m.protectionIntentsLocked(spun)...)
	return spun, intents
}

// mergeLocked folds src into dst: quantity-weighted entry, summed quantity.
// src is closed without a trade record since no fill occurred. Caller holds
// the symbol lock.
func (m *Monitor) mergeLocked(dst, src *domain.Tranche) []domain.OrderIntent {
	total := dst.Quantity + src.Quantity
	if total > 0 {
		dst.EntryPrice = (dst.EntryPrice*dst.Quantity + src.EntryPrice*src.Quantity) / total
	}
	dst.Quantity = total
	dst.RealizedPnL += src.RealizedPnL

	var intents []domain.OrderIntent
	intents = append(intents, m.cancelProtectionLocked(src)...)
	now := time.Now()
	src.State = domain.TrancheClosed
	src.ClosedAt = &now
	src.Quantity = 0
	delete(m.placedProt, src.ID)
	delete(m.splitDone, src.ID)

	intents = append(intents, m.reprotectLocked(dst)...)
	return intents
}

// rescaleLocked scales every open tranche of a position so their sum matches
// the exchange-reported quantity, preserving relative proportions. Returns
// re-protection intents for the resized tranches. Caller holds the symbol
// lock.
func (m *Monitor) rescaleLocked(p *domain.Position, exchangeQty float64) []domain.OrderIntent {
	ourQty := p.Quantity()
	if ourQty <= 0 {
		return nil
	}
	factor := exchangeQty / ourQty

	var intents []domain.OrderIntent
	now := time.Now()
	for _, t := range p.OpenTranches() {
		t.Quantity *= factor
		if m.specs != nil {
			if spec, ok := m.specs.Spec(t.Symbol); ok {
				t.Quantity = spec.RoundQty(t.Quantity)
			}
		}
		if t.Quantity <= m.cfg.QtyEpsilon {
			intents = append(intents, m.cancelProtectionLocked(t)...)
			t.State = domain.TrancheClosed
			t.ClosedAt = &now
			t.Quantity = 0
			delete(m.placedProt, t.ID)
			continue
		}
		intents = append(intents, m.reprotectLocked(t)...)
	}
	return intents
}

func formatLevel(price, qty float64) string {
	// Enough precision to distinguish re-placements at different levels.
	return fmtFloat(price) + "@" + fmtFloat(qty)
}
