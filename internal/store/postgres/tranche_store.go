package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfall/liqhunter/internal/domain"
)

// TrancheStore implements domain.TrancheStore using PostgreSQL.
type TrancheStore struct {
	pool *pgxpool.Pool
}

// NewTrancheStore creates a new TrancheStore backed by the given connection pool.
func NewTrancheStore(pool *pgxpool.Pool) *TrancheStore {
	return &TrancheStore{pool: pool}
}

// Upsert inserts or replaces the mutable fields of a tranche.
func (s *TrancheStore) Upsert(ctx context.Context, t domain.Tranche) error {
	const query = `
		INSERT INTO tranches (
			id, position_id, symbol, position_side, state,
			entry_price, quantity, realized_pnl,
			tp_order_id, sl_order_id, created_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			state        = EXCLUDED.state,
			entry_price  = EXCLUDED.entry_price,
			quantity     = EXCLUDED.quantity,
			realized_pnl = EXCLUDED.realized_pnl,
			tp_order_id  = EXCLUDED.tp_order_id,
			sl_order_id  = EXCLUDED.sl_order_id,
			closed_at    = EXCLUDED.closed_at,
			updated_at   = NOW()`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.PositionID, t.Symbol, string(t.PositionSide), string(t.State),
		t.EntryPrice, t.Quantity, t.RealizedPnL,
		t.TPOrderID, t.SLOrderID, t.CreatedAt, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert tranche %s: %w", t.ID, err)
	}
	return nil
}

// LoadOpen returns every tranche that is not closed, oldest first.
func (s *TrancheStore) LoadOpen(ctx context.Context) ([]domain.Tranche, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, position_id, symbol, position_side, state,
		       entry_price, quantity, realized_pnl,
		       tp_order_id, sl_order_id, created_at, closed_at
		FROM tranches
		WHERE state <> 'CLOSED'
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load open tranches: %w", err)
	}
	defer rows.Close()

	var tranches []domain.Tranche
	for rows.Next() {
		var t domain.Tranche
		var side, state string
		if err := rows.Scan(
			&t.ID, &t.PositionID, &t.Symbol, &side, &state,
			&t.EntryPrice, &t.Quantity, &t.RealizedPnL,
			&t.TPOrderID, &t.SLOrderID, &t.CreatedAt, &t.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan tranche: %w", err)
		}
		t.PositionSide = domain.PositionSide(side)
		t.State = domain.TrancheState(state)
		tranches = append(tranches, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: scan open tranches: %w", err)
	}
	return tranches, nil
}
