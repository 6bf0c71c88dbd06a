package domain

import (
	"context"
	"time"
)

// PriceCache stores the latest mark price per symbol.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// RateLimiter enforces request budgets against the exchange REST API.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// StreamMessage is one entry read from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// LockManager hands out distributed locks. Trade mode takes an account-wide
// lock at startup so two instances never trade the same account.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// SignalBus is the ephemeral pub/sub plus durable stream used to fan
// lifecycle events (entries, closes, reconciliation failures) out to
// consumers such as the notifier.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
