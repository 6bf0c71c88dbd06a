package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfall/liqhunter/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Tranches
// are persisted separately; a position row only carries identity.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Upsert inserts or refreshes a position row.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (id, symbol, position_side, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			symbol        = EXCLUDED.symbol,
			position_side = EXCLUDED.position_side,
			updated_at    = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, string(p.PositionSide), p.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	return nil
}

// Delete removes a position row. Deleting an absent id is not an error: the
// position may already have been reaped by a concurrent close.
func (s *PositionStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", id, err)
	}
	return nil
}

// LoadOpen returns every position row, without tranches.
func (s *PositionStore) LoadOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, position_side, opened_at, updated_at
		 FROM positions ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var side string
		if err := rows.Scan(&p.ID, &p.Symbol, &side, &p.OpenedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		p.PositionSide = domain.PositionSide(side)
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}
