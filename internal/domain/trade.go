package domain

import "time"

// Trade is the durable record of one closed tranche: entry to exit with
// realized P&L. Closed trades are archived to blob storage.
type Trade struct {
	ID           string
	TrancheID    string
	Symbol       string
	PositionSide PositionSide
	EntryPrice   float64
	ExitPrice    float64
	Quantity     float64
	RealizedPnL  float64
	Reason       string
	OpenedAt     time.Time
	ClosedAt     time.Time
}
