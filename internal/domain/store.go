package domain

import (
	"context"
	"time"
)

// PositionStore persists the position mirror. Each call is transactional.
type PositionStore interface {
	Upsert(ctx context.Context, p Position) error
	Delete(ctx context.Context, id string) error
	// LoadOpen returns every open position, without tranches; callers join
	// against TrancheStore.LoadOpen to rehydrate.
	LoadOpen(ctx context.Context) ([]Position, error)
}

// TrancheStore persists tranches.
type TrancheStore interface {
	Upsert(ctx context.Context, t Tranche) error
	LoadOpen(ctx context.Context) ([]Tranche, error)
}

// TradeStore persists closed trades.
type TradeStore interface {
	Save(ctx context.Context, t Trade) error
	// ListClosedBefore returns up to limit trades closed before the cutoff,
	// oldest first. Used by the archiver.
	ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]Trade, error)
}

// OrderStore is the audit log of orders the bot placed or observed.
type OrderStore interface {
	Record(ctx context.Context, o OrderRecord) error
	UpdateStatus(ctx context.Context, exchangeID int64, status OrderStatus, executedQty, avgPrice float64) error
	// RecordIntent persists an intent for audit, including intents
	// suppressed by simulate mode.
	RecordIntent(ctx context.Context, i OrderIntent) error
}
