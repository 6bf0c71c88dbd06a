package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LIQHUNTER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LIQHUNTER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.BaseURL, "LIQHUNTER_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.WsBaseURL, "LIQHUNTER_EXCHANGE_WS_BASE_URL")
	setStr(&cfg.Exchange.ApiKey, "LIQHUNTER_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "LIQHUNTER_EXCHANGE_API_SECRET")
	setInt64(&cfg.Exchange.RecvWindowMs, "LIQHUNTER_EXCHANGE_RECV_WINDOW_MS")
	setDuration(&cfg.Exchange.Timeout, "LIQHUNTER_EXCHANGE_TIMEOUT")
	setDuration(&cfg.Exchange.KeepaliveInterval, "LIQHUNTER_EXCHANGE_KEEPALIVE_INTERVAL")

	// ── Database ──
	setStr(&cfg.Database.DSN, "LIQHUNTER_DATABASE_DSN")
	setStr(&cfg.Database.Host, "LIQHUNTER_DATABASE_HOST")
	setInt(&cfg.Database.Port, "LIQHUNTER_DATABASE_PORT")
	setStr(&cfg.Database.Database, "LIQHUNTER_DATABASE_NAME")
	setStr(&cfg.Database.User, "LIQHUNTER_DATABASE_USER")
	setStr(&cfg.Database.Password, "LIQHUNTER_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "LIQHUNTER_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "LIQHUNTER_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "LIQHUNTER_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "LIQHUNTER_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LIQHUNTER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LIQHUNTER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LIQHUNTER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LIQHUNTER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LIQHUNTER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LIQHUNTER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LIQHUNTER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LIQHUNTER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LIQHUNTER_S3_REGION")
	setStr(&cfg.S3.Bucket, "LIQHUNTER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LIQHUNTER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LIQHUNTER_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "LIQHUNTER_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveInterval, "LIQHUNTER_S3_ARCHIVE_INTERVAL")
	setInt(&cfg.S3.RetentionDays, "LIQHUNTER_S3_RETENTION_DAYS")

	// ── Feed ──
	setBool(&cfg.Feed.BufferLiquidations, "LIQHUNTER_FEED_BUFFER_LIQUIDATIONS")
	setDuration(&cfg.Feed.CoalesceWindow, "LIQHUNTER_FEED_COALESCE_WINDOW")
	setInt(&cfg.Feed.QueueSize, "LIQHUNTER_FEED_QUEUE_SIZE")

	// ── Engine ──
	setStringSlice(&cfg.Engine.Symbols, "LIQHUNTER_ENGINE_SYMBOLS")
	setFloat64(&cfg.Engine.VolumeThresholdUSD, "LIQHUNTER_ENGINE_VOLUME_THRESHOLD_USD")
	setDuration(&cfg.Engine.VolumeWindow, "LIQHUNTER_ENGINE_VOLUME_WINDOW")
	setFloat64(&cfg.Engine.EntryNotionalUSD, "LIQHUNTER_ENGINE_ENTRY_NOTIONAL_USD")
	setFloat64(&cfg.Engine.MaxExposureUSD, "LIQHUNTER_ENGINE_MAX_EXPOSURE_USD")
	setFloat64(&cfg.Engine.MaxDepthFraction, "LIQHUNTER_ENGINE_MAX_DEPTH_FRACTION")
	setBool(&cfg.Engine.SimulateOnly, "LIQHUNTER_ENGINE_SIMULATE_ONLY")
	setDuration(&cfg.Engine.IntentTTL, "LIQHUNTER_ENGINE_INTENT_TTL")

	// ── Monitor ──
	setBool(&cfg.Monitor.Enabled, "LIQHUNTER_MONITOR_ENABLED")
	setDuration(&cfg.Monitor.TickInterval, "LIQHUNTER_MONITOR_TICK_INTERVAL")
	setFloat64(&cfg.Monitor.TakeProfitPct, "LIQHUNTER_MONITOR_TAKE_PROFIT_PCT")
	setFloat64(&cfg.Monitor.StopLossPct, "LIQHUNTER_MONITOR_STOP_LOSS_PCT")
	setBool(&cfg.Monitor.InstantTPEnabled, "LIQHUNTER_MONITOR_INSTANT_TP_ENABLED")
	setFloat64(&cfg.Monitor.InstantTPDeltaPct, "LIQHUNTER_MONITOR_INSTANT_TP_DELTA_PCT")
	setFloat64(&cfg.Monitor.SplitPnLPct, "LIQHUNTER_MONITOR_SPLIT_PNL_PCT")
	setFloat64(&cfg.Monitor.SplitFraction, "LIQHUNTER_MONITOR_SPLIT_FRACTION")
	setFloat64(&cfg.Monitor.MergePnLTolerance, "LIQHUNTER_MONITOR_MERGE_PNL_TOLERANCE")
	setDuration(&cfg.Monitor.MergeAgeTolerance, "LIQHUNTER_MONITOR_MERGE_AGE_TOLERANCE")
	setInt(&cfg.Monitor.MaxTranches, "LIQHUNTER_MONITOR_MAX_TRANCHES")
	setFloat64(&cfg.Monitor.ReplaceDriftPct, "LIQHUNTER_MONITOR_REPLACE_DRIFT_PCT")
	setInt(&cfg.Monitor.DivergenceLimit, "LIQHUNTER_MONITOR_DIVERGENCE_LIMIT")

	// ── Batcher ──
	setBool(&cfg.Batcher.BatchOrders, "LIQHUNTER_BATCHER_BATCH_ORDERS")
	setDuration(&cfg.Batcher.Window, "LIQHUNTER_BATCHER_WINDOW")
	setInt(&cfg.Batcher.MaxBatchSize, "LIQHUNTER_BATCHER_MAX_BATCH_SIZE")
	setInt(&cfg.Batcher.MaxRetries, "LIQHUNTER_BATCHER_MAX_RETRIES")
	setDuration(&cfg.Batcher.RetryBackoff, "LIQHUNTER_BATCHER_RETRY_BACKOFF")
	setDuration(&cfg.Batcher.MaxBackoff, "LIQHUNTER_BATCHER_MAX_BACKOFF")
	setDuration(&cfg.Batcher.ShutdownGrace, "LIQHUNTER_BATCHER_SHUTDOWN_GRACE")

	// ── Cleanup ──
	setDuration(&cfg.Cleanup.Interval, "LIQHUNTER_CLEANUP_INTERVAL")
	setDuration(&cfg.Cleanup.YoungOrderGrace, "LIQHUNTER_CLEANUP_YOUNG_ORDER_GRACE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LIQHUNTER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LIQHUNTER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LIQHUNTER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LIQHUNTER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LIQHUNTER_MODE")
	setStr(&cfg.LogLevel, "LIQHUNTER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
