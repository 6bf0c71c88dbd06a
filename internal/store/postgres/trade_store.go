package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfall/liqhunter/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Save records a closed trade. Saving the same id twice is a no-op so a
// replayed close event cannot duplicate the record.
func (s *TradeStore) Save(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, tranche_id, symbol, position_side,
			entry_price, exit_price, quantity, realized_pnl,
			reason, opened_at, closed_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11
		)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.TrancheID, t.Symbol, string(t.PositionSide),
		t.EntryPrice, t.ExitPrice, t.Quantity, t.RealizedPnL,
		t.Reason, t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save trade %s: %w", t.ID, err)
	}
	return nil
}

// ListClosedBefore returns up to limit trades closed before the cutoff,
// oldest first.
func (s *TradeStore) ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tranche_id, symbol, position_side,
		       entry_price, exit_price, quantity, realized_pnl,
		       reason, opened_at, closed_at
		FROM trades
		WHERE closed_at < $1
		ORDER BY closed_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var side string
		if err := rows.Scan(
			&t.ID, &t.TrancheID, &t.Symbol, &side,
			&t.EntryPrice, &t.ExitPrice, &t.Quantity, &t.RealizedPnL,
			&t.Reason, &t.OpenedAt, &t.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		t.PositionSide = domain.PositionSide(side)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: scan closed trades: %w", err)
	}
	return trades, nil
}
