package domain

import (
	"fmt"
	"time"
)

// LiquidationEvent is one forced liquidation reported by the exchange-wide
// stream. Side is the side of the liquidation order the exchange submitted,
// i.e. SideSell means longs were liquidated.
type LiquidationEvent struct {
	Symbol    string
	Side      OrderSide
	Price     float64
	Quantity  float64
	EventID   string
	EventTime time.Time

	// Coalesced counts how many raw events were rolled into this one by the
	// buffering window. Zero or one means the event is raw.
	Coalesced int
}

// Notional returns the USD value of the liquidated quantity.
func (e LiquidationEvent) Notional() float64 {
	return e.Price * e.Quantity
}

// Key identifies an event for deduplication.
func (e LiquidationEvent) Key() string {
	return fmt.Sprintf("%s:%s:%d", e.Symbol, e.EventID, e.EventTime.UnixMilli())
}
