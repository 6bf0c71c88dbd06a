package domain

import "math"

// SymbolSpec carries the exchange filters needed to format valid orders for
// one symbol: price tick, quantity step, and minimum notional.
type SymbolSpec struct {
	Symbol      string
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MinNotional float64
}

// RoundPrice rounds price down to the symbol's tick size.
func (s SymbolSpec) RoundPrice(price float64) float64 {
	if s.TickSize <= 0 {
		return price
	}
	return math.Floor(price/s.TickSize) * s.TickSize
}

// RoundQty rounds qty down to the symbol's step size.
func (s SymbolSpec) RoundQty(qty float64) float64 {
	if s.StepSize <= 0 {
		return qty
	}
	return math.Floor(qty/s.StepSize) * s.StepSize
}

// AdjustQty rounds qty to the step size and bumps it up until both the
// minimum quantity and minimum notional (at price) are satisfied. A zero
// result means the order cannot be made valid.
func (s SymbolSpec) AdjustQty(qty, price float64) float64 {
	q := s.RoundQty(qty)
	if q < s.MinQty {
		q = s.RoundQty(s.MinQty)
		if q < s.MinQty {
			q += s.StepSize
		}
	}
	if price > 0 && s.MinNotional > 0 {
		for q*price < s.MinNotional {
			q += s.StepSize
		}
		q = s.RoundQty(q)
	}
	return q
}
