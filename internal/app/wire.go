package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/quantfall/liqhunter/internal/blob/s3"
	"github.com/quantfall/liqhunter/internal/cache/redis"
	"github.com/quantfall/liqhunter/internal/config"
	"github.com/quantfall/liqhunter/internal/crypto"
	"github.com/quantfall/liqhunter/internal/domain"
	"github.com/quantfall/liqhunter/internal/notify"
	"github.com/quantfall/liqhunter/internal/platform/aster"
	"github.com/quantfall/liqhunter/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	TrancheStore  domain.TrancheStore
	TradeStore    domain.TradeStore
	OrderStore    domain.OrderStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	// Exchange
	Exchange *aster.Client

	// Notifications
	Notifier *notify.Notifier
}

// needsPostgres reports whether the mode persists or rehydrates state.
// Simulate mode never touches real positions, so it runs without a database.
func needsPostgres(mode string) bool {
	switch mode {
	case "trade", "monitor":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them with a cleanup function to be called on
// shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// PostgreSQL.
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.TrancheStore = postgres.NewTrancheStore(pool)
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.OrderStore = postgres.NewOrderStore(pool)
	}

	// Redis.
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// Exchange REST client.
	auth := &crypto.HMACAuth{
		Key:        cfg.Exchange.ApiKey,
		Secret:     cfg.Exchange.ApiSecret,
		RecvWindow: cfg.Exchange.RecvWindowMs,
	}
	deps.Exchange = aster.NewClient(cfg.Exchange.BaseURL, auth, cfg.Exchange.Timeout.Duration).
		WithRateLimiter(deps.RateLimiter)

	// S3 blob storage for trade archival.
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		if deps.TradeStore != nil {
			deps.Archiver = s3blob.NewArchiver(cfg.S3, deps.BlobWriter, deps.BlobReader, deps.TradeStore, logger)
		}
	}

	// Notifications.
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.New(senders, cfg.Notify.Events, deps.SignalBus, logger)

	return deps, cleanup, nil
}
