// Package config defines the top-level configuration for the liquidation
// hunter and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by LIQHUNTER_* environment
// variables.
type Config struct {
	Exchange Exchange      `toml:"exchange"`
	Database Database      `toml:"database"`
	Redis    Redis         `toml:"redis"`
	S3       S3            `toml:"s3"`
	Feed     Feed          `toml:"feed"`
	Engine   Engine        `toml:"engine"`
	Monitor  Monitor       `toml:"monitor"`
	Batcher  Batcher       `toml:"batcher"`
	Cleanup  Cleanup       `toml:"cleanup"`
	Notify   Notify        `toml:"notify"`
	Mode     string        `toml:"mode"`
	LogLevel string        `toml:"log_level"`
}

// Exchange holds venue endpoints and API credentials.
type Exchange struct {
	BaseURL      string   `toml:"base_url"`
	WsBaseURL    string   `toml:"ws_base_url"`
	ApiKey       string   `toml:"api_key"`
	ApiSecret    string   `toml:"api_secret"`
	RecvWindowMs int64    `toml:"recv_window_ms"`
	Timeout      Duration `toml:"timeout"`
	// KeepaliveInterval is how often the user-data listen key is refreshed.
	KeepaliveInterval Duration `toml:"keepalive_interval"`
}

// Database holds PostgreSQL connection parameters.
type Database struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// Redis holds Redis connection parameters.
type Redis struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3 holds S3-compatible object storage parameters for trade archival.
type S3 struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	ArchiveInterval Duration `toml:"archive_interval"`
	RetentionDays   int      `toml:"retention_days"`
}

// Feed holds liquidation stream parameters.
type Feed struct {
	// BufferLiquidations enables the coalescing window that rolls up bursts
	// of same-symbol events before forwarding.
	BufferLiquidations bool     `toml:"buffer_liquidations"`
	CoalesceWindow     Duration `toml:"coalesce_window"`
	QueueSize          int      `toml:"queue_size"`
}

// Engine holds decision engine parameters.
type Engine struct {
	// Symbols restricts trading to the listed symbols; empty means all.
	Symbols []string `toml:"symbols"`
	// VolumeThresholdUSD triggers an entry when rolling-window liquidation
	// notional for a symbol exceeds it. SymbolThresholds overrides per symbol.
	VolumeThresholdUSD float64            `toml:"volume_threshold_usd"`
	SymbolThresholds   map[string]float64 `toml:"symbol_thresholds"`
	VolumeWindow       Duration           `toml:"volume_window"`
	EntryNotionalUSD   float64            `toml:"entry_notional_usd"`
	MaxExposureUSD     float64            `toml:"max_exposure_usd"`
	// MaxDepthFraction caps entry size at this fraction of top-of-book depth.
	MaxDepthFraction float64 `toml:"max_depth_fraction"`
	SimulateOnly     bool    `toml:"simulate_only"`
	IntentTTL        Duration `toml:"intent_ttl"`
}

// Monitor holds position monitor and tranche manager parameters.
type Monitor struct {
	Enabled          bool     `toml:"enabled"`
	TickInterval     Duration `toml:"tick_interval"`
	TakeProfitPct    float64  `toml:"take_profit_pct"`
	StopLossPct      float64  `toml:"stop_loss_pct"`
	InstantTPEnabled bool     `toml:"instant_tp_enabled"`
	// InstantTPDeltaPct is the favorable move within one tick that triggers
	// the immediate reduce path.
	InstantTPDeltaPct float64 `toml:"instant_tp_delta_pct"`
	// SplitPnLPct splits a tranche when its P&L crosses this threshold.
	SplitPnLPct   float64 `toml:"split_pnl_pct"`
	SplitFraction float64 `toml:"split_fraction"`
	// MergePnLTolerance/MergeAgeTolerance bound when two sibling tranches
	// are merged.
	MergePnLTolerance float64  `toml:"merge_pnl_tolerance"`
	MergeAgeTolerance Duration `toml:"merge_age_tolerance"`
	MaxTranches       int      `toml:"max_tranches"`
	// ReplaceDriftPct re-places a protective order when price drifted this
	// far from the level it was computed for.
	ReplaceDriftPct float64 `toml:"replace_drift_pct"`
	// DivergenceLimit is the number of consecutive divergent reconciliation
	// updates tolerated before entries are halted for the symbol.
	DivergenceLimit int     `toml:"divergence_limit"`
	QtyEpsilon      float64 `toml:"qty_epsilon"`
}

// Batcher holds order batcher parameters.
type Batcher struct {
	BatchOrders   bool     `toml:"batch_orders"`
	Window        Duration `toml:"window"`
	MaxBatchSize  int      `toml:"max_batch_size"`
	MaxRetries    int      `toml:"max_retries"`
	RetryBackoff  Duration `toml:"retry_backoff"`
	MaxBackoff    Duration `toml:"max_backoff"`
	ShutdownGrace Duration `toml:"shutdown_grace"`
}

// Cleanup holds order cleanup service parameters.
type Cleanup struct {
	Interval Duration `toml:"interval"`
	// YoungOrderGrace protects freshly placed orders from being treated as
	// orphans while their tranche mapping is still settling.
	YoungOrderGrace Duration `toml:"young_order_grace"`
}

// Notify holds notification channel credentials.
type Notify struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DurationOf wraps d for programmatic config construction.
func DurationOf(d time.Duration) Duration {
	return Duration{d}
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: Exchange{
			BaseURL:           "https://fapi.asterdex.com",
			WsBaseURL:         "wss://fstream.asterdex.com",
			RecvWindowMs:      5000,
			Timeout:           Duration{10 * time.Second},
			KeepaliveInterval: Duration{30 * time.Minute},
		},
		Database: Database{
			Host:          "localhost",
			Port:          5432,
			Database:      "liqhunter",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: Redis{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3{
			Enabled:         false,
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "liqhunter-data",
			ForcePathStyle:  true,
			ArchiveInterval: Duration{6 * time.Hour},
			RetentionDays:   90,
		},
		Feed: Feed{
			BufferLiquidations: true,
			CoalesceWindow:     Duration{500 * time.Millisecond},
			QueueSize:          256,
		},
		Engine: Engine{
			VolumeThresholdUSD: 30_000,
			SymbolThresholds:   map[string]float64{},
			VolumeWindow:       Duration{30 * time.Second},
			EntryNotionalUSD:   200,
			MaxExposureUSD:     2_000,
			MaxDepthFraction:   0.25,
			SimulateOnly:       false,
			IntentTTL:          Duration{15 * time.Second},
		},
		Monitor: Monitor{
			Enabled:           true,
			TickInterval:      Duration{2 * time.Second},
			TakeProfitPct:     0.01,
			StopLossPct:       0.02,
			InstantTPEnabled:  true,
			InstantTPDeltaPct: 0.02,
			SplitPnLPct:       0.015,
			SplitFraction:     0.5,
			MergePnLTolerance: 0.002,
			MergeAgeTolerance: Duration{5 * time.Minute},
			MaxTranches:       4,
			ReplaceDriftPct:   0.005,
			DivergenceLimit:   3,
			QtyEpsilon:        1e-8,
		},
		Batcher: Batcher{
			BatchOrders:   true,
			Window:        Duration{250 * time.Millisecond},
			MaxBatchSize:  5,
			MaxRetries:    3,
			RetryBackoff:  Duration{500 * time.Millisecond},
			MaxBackoff:    Duration{10 * time.Second},
			ShutdownGrace: Duration{5 * time.Second},
		},
		Cleanup: Cleanup{
			Interval:        Duration{60 * time.Second},
			YoungOrderGrace: Duration{60 * time.Second},
		},
		Notify: Notify{
			Events: []string{"entry_filled", "tranche_closed", "reconciliation_failed", "error"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":    true,
	"simulate": true,
	"monitor":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, simulate, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange — credentials are mandatory for any mode that opens the
	// user-data stream or places orders.
	if c.Exchange.BaseURL == "" {
		errs = append(errs, "exchange: base_url must not be empty")
	}
	if c.Exchange.WsBaseURL == "" {
		errs = append(errs, "exchange: ws_base_url must not be empty")
	}
	if c.Mode != "simulate" {
		if c.Exchange.ApiKey == "" {
			errs = append(errs, "exchange: api_key is required for mode "+c.Mode)
		}
		if c.Exchange.ApiSecret == "" {
			errs = append(errs, "exchange: api_secret is required for mode "+c.Mode)
		}
	}
	if c.Exchange.RecvWindowMs <= 0 {
		errs = append(errs, "exchange: recv_window_ms must be > 0")
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Feed
	if c.Feed.QueueSize < 1 {
		errs = append(errs, "feed: queue_size must be >= 1")
	}
	if c.Feed.BufferLiquidations && c.Feed.CoalesceWindow.Duration <= 0 {
		errs = append(errs, "feed: coalesce_window must be > 0 when buffer_liquidations is set")
	}

	// Engine
	if c.Engine.VolumeThresholdUSD <= 0 {
		errs = append(errs, "engine: volume_threshold_usd must be > 0")
	}
	if c.Engine.VolumeWindow.Duration <= 0 {
		errs = append(errs, "engine: volume_window must be > 0")
	}
	if c.Engine.EntryNotionalUSD <= 0 {
		errs = append(errs, "engine: entry_notional_usd must be > 0")
	}
	if c.Engine.MaxExposureUSD < c.Engine.EntryNotionalUSD {
		errs = append(errs, "engine: max_exposure_usd must be >= entry_notional_usd")
	}
	if c.Engine.MaxDepthFraction <= 0 || c.Engine.MaxDepthFraction > 1 {
		errs = append(errs, fmt.Sprintf("engine: max_depth_fraction must be in (0, 1], got %g", c.Engine.MaxDepthFraction))
	}

	// Monitor
	if c.Monitor.Enabled {
		if c.Monitor.TickInterval.Duration <= 0 {
			errs = append(errs, "monitor: tick_interval must be > 0")
		}
		if c.Monitor.TakeProfitPct <= 0 {
			errs = append(errs, "monitor: take_profit_pct must be > 0")
		}
		if c.Monitor.StopLossPct <= 0 {
			errs = append(errs, "monitor: stop_loss_pct must be > 0")
		}
		if c.Monitor.SplitFraction <= 0 || c.Monitor.SplitFraction >= 1 {
			errs = append(errs, fmt.Sprintf("monitor: split_fraction must be in (0, 1), got %g", c.Monitor.SplitFraction))
		}
		if c.Monitor.MaxTranches < 1 {
			errs = append(errs, "monitor: max_tranches must be >= 1")
		}
		if c.Monitor.DivergenceLimit < 1 {
			errs = append(errs, "monitor: divergence_limit must be >= 1")
		}
	}

	// Batcher
	if c.Batcher.MaxBatchSize < 1 {
		errs = append(errs, "batcher: max_batch_size must be >= 1")
	}
	if c.Batcher.BatchOrders && c.Batcher.Window.Duration <= 0 {
		errs = append(errs, "batcher: window must be > 0 when batch_orders is set")
	}
	if c.Batcher.MaxRetries < 0 {
		errs = append(errs, "batcher: max_retries must be >= 0")
	}

	// Cleanup
	if c.Cleanup.Interval.Duration <= 0 {
		errs = append(errs, "cleanup: interval must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ThresholdFor returns the liquidation-volume threshold for a symbol, falling
// back to the global default when no per-symbol override exists.
func (e Engine) ThresholdFor(symbol string) float64 {
	if v, ok := e.SymbolThresholds[symbol]; ok && v > 0 {
		return v
	}
	return e.VolumeThresholdUSD
}

// SymbolAllowed reports whether trading is permitted on symbol.
func (e Engine) SymbolAllowed(symbol string) bool {
	if len(e.Symbols) == 0 {
		return true
	}
	for _, s := range e.Symbols {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}
