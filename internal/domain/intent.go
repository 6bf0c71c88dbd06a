package domain

import "time"

// IntentType classifies what an order intent is trying to achieve.
type IntentType string

const (
	IntentEntry         IntentType = "entry"
	IntentTakeProfit    IntentType = "take_profit"
	IntentStopLoss      IntentType = "stop_loss"
	IntentInstantReduce IntentType = "instant_reduce"
	IntentCancel        IntentType = "cancel"
)

// Protective reports whether the intent places a protective order for an
// existing tranche.
func (t IntentType) Protective() bool {
	return t == IntentTakeProfit || t == IntentStopLoss
}

// OrderIntent is a request to place (or cancel) one order on the exchange.
// Entry intents come from the decision engine; everything else is emitted by
// the position monitor. All intents flow through the order batcher.
type OrderIntent struct {
	ID           string
	Type         IntentType
	Symbol       string
	Side         OrderSide
	PositionSide PositionSide
	Quantity     float64

	// Price is the limit/trigger price. Zero means a market order.
	Price      float64
	ReduceOnly bool

	// TrancheID links protective intents to the tranche they guard. Empty
	// for entries.
	TrancheID string

	// CancelOrderID is set only for IntentCancel.
	CancelOrderID int64

	// IdempotencyKey is derived from the triggering event(s); replaying the
	// same event must never produce a second order.
	IdempotencyKey string

	// Urgent intents bypass the batcher's aggregation window.
	Urgent bool

	Reason    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the intent is past its expiry (zero means never).
func (i OrderIntent) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}
