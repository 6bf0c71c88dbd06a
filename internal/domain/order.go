// Package domain defines the core types shared by every component of the
// liquidation hunter: liquidation events, order intents, positions and their
// tranches, and the narrow store/cache interfaces implemented by the
// infrastructure packages.
package domain

import "time"

// OrderSide is the taker direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide distinguishes the two independent positions a symbol can carry
// in hedge mode.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// EntrySide returns the order side that increases a position on this side.
func (p PositionSide) EntrySide() OrderSide {
	if p == PositionLong {
		return SideBuy
	}
	return SideSell
}

// ExitSide returns the order side that reduces a position on this side.
func (p PositionSide) ExitSide() OrderSide {
	return p.EntrySide().Opposite()
}

// OrderType enumerates the exchange order types the bot submits.
type OrderType string

const (
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus is the exchange-reported lifecycle status of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderRecord mirrors one exchange order and its link back to the tranche it
// protects (empty TrancheID for entry orders placed before a tranche exists).
type OrderRecord struct {
	ExchangeID    int64
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	PositionSide  PositionSide
	Type          OrderType
	Status        OrderStatus
	Price         float64
	StopPrice     float64
	OrigQty       float64
	ExecutedQty   float64
	AvgPrice      float64
	ReduceOnly    bool
	TrancheID     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Fill is a normalized execution report from the user data stream.
type Fill struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	PositionSide  PositionSide
	Price         float64
	Quantity      float64
	RealizedPnL   float64
	ReduceOnly    bool
	OrderStatus   OrderStatus
	TradeTime     time.Time
}

// OrderResult is the exchange's per-order response to a submission.
type OrderResult struct {
	ExchangeID    int64
	ClientOrderID string
	Status        OrderStatus
	Success       bool
	Retryable     bool
	Message       string
}
