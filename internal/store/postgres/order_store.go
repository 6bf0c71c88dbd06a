package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfall/liqhunter/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL. It is an audit
// log: nothing in the trading path reads it back.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Record inserts or refreshes an order row keyed by exchange id.
func (s *OrderStore) Record(ctx context.Context, o domain.OrderRecord) error {
	const query = `
		INSERT INTO orders (
			exchange_id, client_order_id, symbol, side, position_side,
			order_type, status, price, stop_price,
			orig_qty, executed_qty, avg_price,
			reduce_only, tranche_id, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15, NOW()
		)
		ON CONFLICT (exchange_id) DO UPDATE SET
			status       = EXCLUDED.status,
			executed_qty = EXCLUDED.executed_qty,
			avg_price    = EXCLUDED.avg_price,
			tranche_id   = EXCLUDED.tranche_id,
			updated_at   = NOW()`

	_, err := s.pool.Exec(ctx, query,
		o.ExchangeID, o.ClientOrderID, o.Symbol, string(o.Side), string(o.PositionSide),
		string(o.Type), string(o.Status), o.Price, o.StopPrice,
		o.OrigQty, o.ExecutedQty, o.AvgPrice,
		o.ReduceOnly, o.TrancheID, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record order %d: %w", o.ExchangeID, err)
	}
	return nil
}

// UpdateStatus applies an exchange-reported status transition. Executed
// quantity only grows and a zero average price never overwrites a known one,
// so status-only updates cannot erase fill data.
func (s *OrderStore) UpdateStatus(ctx context.Context, exchangeID int64, status domain.OrderStatus, executedQty, avgPrice float64) error {
	const query = `
		UPDATE orders SET
			status       = $2,
			executed_qty = GREATEST(executed_qty, $3),
			avg_price    = CASE WHEN $4 > 0 THEN $4 ELSE avg_price END,
			updated_at   = NOW()
		WHERE exchange_id = $1`

	tag, err := s.pool.Exec(ctx, query, exchangeID, string(status), executedQty, avgPrice)
	if err != nil {
		return fmt.Errorf("postgres: update order %d: %w", exchangeID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordIntent persists an order intent for audit.
func (s *OrderStore) RecordIntent(ctx context.Context, i domain.OrderIntent) error {
	const query = `
		INSERT INTO order_intents (
			id, intent_type, symbol, side, position_side,
			quantity, price, reduce_only, tranche_id, cancel_order_id,
			idempotency_key, urgent, reason, created_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)
		ON CONFLICT (id) DO NOTHING`

	var expires any
	if !i.ExpiresAt.IsZero() {
		expires = i.ExpiresAt
	}
	_, err := s.pool.Exec(ctx, query,
		i.ID, string(i.Type), i.Symbol, string(i.Side), string(i.PositionSide),
		i.Quantity, i.Price, i.ReduceOnly, i.TrancheID, i.CancelOrderID,
		i.IdempotencyKey, i.Urgent, i.Reason, i.CreatedAt, expires,
	)
	if err != nil {
		return fmt.Errorf("postgres: record intent %s: %w", i.ID, err)
	}
	return nil
}
