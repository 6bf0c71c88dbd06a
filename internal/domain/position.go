package domain

import "time"

// TrancheState is the lifecycle state of a tranche.
//
//	OPENING    entry fill confirmed, protective orders not yet live
//	ACTIVE     exactly one live TP and one live SL order
//	TP_PENDING take-profit being (re)placed after price movement
//	SL_PENDING stop-loss being (re)placed after price movement
//	CLOSING    a reduce fill has been observed
//	CLOSED     terminal
type TrancheState string

const (
	TrancheOpening   TrancheState = "OPENING"
	TrancheActive    TrancheState = "ACTIVE"
	TrancheTPPending TrancheState = "TP_PENDING"
	TrancheSLPending TrancheState = "SL_PENDING"
	TrancheClosing   TrancheState = "CLOSING"
	TrancheClosed    TrancheState = "CLOSED"
)

// Open reports whether the tranche still holds quantity.
func (s TrancheState) Open() bool {
	return s != TrancheClosed
}

// Tranche is a cost-basis-segmented slice of a position. An ACTIVE tranche
// owns at most one live TP order and one live SL order.
type Tranche struct {
	ID           string
	PositionID   string
	Symbol       string
	PositionSide PositionSide
	State        TrancheState

	EntryPrice  float64
	Quantity    float64
	RealizedPnL float64

	// TPOrderID/SLOrderID are the exchange ids of the live protective
	// orders, zero when none is live.
	TPOrderID int64
	SLOrderID int64

	CreatedAt time.Time
	ClosedAt  *time.Time
}

// PnLPercent returns the unrealized P&L of the tranche at price, as a
// fraction of entry (0.02 = +2%), signed by position direction.
func (t *Tranche) PnLPercent(price float64) float64 {
	if t.EntryPrice <= 0 {
		return 0
	}
	raw := (price - t.EntryPrice) / t.EntryPrice
	if t.PositionSide == PositionShort {
		return -raw
	}
	return raw
}

// UnrealizedPnL returns the notional P&L of the tranche at price.
func (t *Tranche) UnrealizedPnL(price float64) float64 {
	return t.PnLPercent(price) * t.EntryPrice * t.Quantity
}

// Protected reports whether both protective orders are live.
func (t *Tranche) Protected() bool {
	return t.TPOrderID != 0 && t.SLOrderID != 0
}

// Position is the hedge-mode position for one (symbol, side) pair. It owns
// an ordered collection of tranches; the position quantity is always the sum
// of tranche quantities and the position is destroyed when that reaches zero.
type Position struct {
	ID           string
	Symbol       string
	PositionSide PositionSide
	Tranches     []*Tranche
	OpenedAt     time.Time
	UpdatedAt    time.Time
}

// Quantity sums the open tranche quantities.
func (p *Position) Quantity() float64 {
	var q float64
	for _, t := range p.Tranches {
		if t.State.Open() {
			q += t.Quantity
		}
	}
	return q
}

// AvgEntryPrice returns the quantity-weighted entry price over open tranches.
func (p *Position) AvgEntryPrice() float64 {
	var qty, cost float64
	for _, t := range p.Tranches {
		if t.State.Open() {
			qty += t.Quantity
			cost += t.Quantity * t.EntryPrice
		}
	}
	if qty == 0 {
		return 0
	}
	return cost / qty
}

// OpenTranches returns the tranches that still hold quantity.
func (p *Position) OpenTranches() []*Tranche {
	out := make([]*Tranche, 0, len(p.Tranches))
	for _, t := range p.Tranches {
		if t.State.Open() {
			out = append(out, t)
		}
	}
	return out
}

// PositionKey identifies a hedge-mode position.
func PositionKey(symbol string, side PositionSide) string {
	return symbol + ":" + string(side)
}
