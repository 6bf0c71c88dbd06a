package domain

import "time"

// AccountPosition is one exchange-reported position amount inside an account
// snapshot.
type AccountPosition struct {
	Symbol        string
	PositionSide  PositionSide
	Quantity      float64
	EntryPrice    float64
	UnrealizedPnL float64
}

// AccountSnapshot is the exchange's view of balances and positions as pushed
// on the user data stream. It is used only to reconcile the locally owned
// state, never as the primary source of truth.
type AccountSnapshot struct {
	Positions []AccountPosition
	Balance   float64
	EventTime time.Time
}

// Find returns the reported quantity for (symbol, side) and whether the
// snapshot mentioned it at all.
func (s AccountSnapshot) Find(symbol string, side PositionSide) (AccountPosition, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol && p.PositionSide == side {
			return p, true
		}
	}
	return AccountPosition{}, false
}
