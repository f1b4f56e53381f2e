// Package config defines all configuration for the trading pipeline.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure; every long-lived service reads the same file and picks the
// sections it needs.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Signals    SignalsConfig    `mapstructure:"signals"`
	Core       CoreConfig       `mapstructure:"core"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Guard      GuardConfig      `mapstructure:"guard"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Selector   SelectorConfig   `mapstructure:"selector"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// RedisConfig points at the event bus.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	StreamCap int64  `mapstructure:"stream_cap"` // approximate MAXLEN per topic
}

// ExchangeConfig holds Bitvavo endpoints and credentials. Key/secret are
// normally injected via BITVAVO_API_KEY / BITVAVO_API_SECRET.
type ExchangeConfig struct {
	RESTBaseURL string        `mapstructure:"rest_base_url"`
	WSURL       string        `mapstructure:"ws_url"`
	APIKey      string        `mapstructure:"api_key"`
	APISecret   string        `mapstructure:"api_secret"`
	OperatorID  string        `mapstructure:"operator_id"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	RateMin     int           `mapstructure:"rate_min"` // minimum remaining weight before REST calls
}

// IngestConfig controls the market-data ingest and book reconstructor.
//
//   - Markets: explicit market list, or empty for all *-EUR markets.
//   - Depth: order book depth N for snapshots and local pruning.
//   - DrainGrace: window after a snapshot during which buffered updates may
//     fill a nonce gap before the book is declared out of sync.
//   - SubChunk / SleepBetweenSubs / SleepBetweenChunks: subscription pacing.
//   - CandleInterval: candle channel interval (e.g. "1m").
//   - FlushInterval / BatchLimit: Parquet batching knobs.
type IngestConfig struct {
	Markets            []string      `mapstructure:"markets"`
	Depth              int           `mapstructure:"depth"`
	DrainGrace         time.Duration `mapstructure:"drain_grace"`
	SubChunk           int           `mapstructure:"sub_chunk"`
	SleepBetweenSubs   time.Duration `mapstructure:"sleep_between_subs"`
	SleepBetweenChunks time.Duration `mapstructure:"sleep_between_chunks"`
	CandleInterval     string        `mapstructure:"candle_interval"`
	FlushInterval      time.Duration `mapstructure:"flush_interval"`
	BatchLimit         int           `mapstructure:"batch_limit"`
	MetricsPort        int           `mapstructure:"metrics_port"`
}

// SignalsConfig tunes the baseline filter bank.
type SignalsConfig struct {
	Stream        string  `mapstructure:"stream"`
	SpreadBpsMax  float64 `mapstructure:"spread_bps_max"`
	VolWindow     int     `mapstructure:"vol_window"`
	VolStdMin     float64 `mapstructure:"vol_std_min"`
	SpikeWindow   int     `mapstructure:"spike_window"`
	SpikeMult     float64 `mapstructure:"spike_mult"`
	WickRatioMin  float64 `mapstructure:"wick_ratio_min"`
	MetricsPort   int     `mapstructure:"metrics_port"`
}

// CoreConfig sets the guard rails for the trading core.
//
//   - MaxConcurrentPos: slot cap; 0 disables the check.
//   - MaxGlobalExposure: hard global cap in EUR; 0 means dynamic
//     (current exposure + available EUR).
//   - MaxPerAssetEUR / PerAssetFrac: per-asset cap, combined with the slot
//     budget by taking the minimum of the set values.
type CoreConfig struct {
	SignalStream      string  `mapstructure:"signal_stream"`
	OutboxStream      string  `mapstructure:"outbox_stream"`
	EventStream       string  `mapstructure:"event_stream"`
	Group             string  `mapstructure:"group"`
	Consumer          string  `mapstructure:"consumer"`
	KillSwitchKey     string  `mapstructure:"kill_switch_key"`
	MaxConcurrentPos  int     `mapstructure:"max_concurrent_pos"`
	MaxGlobalExposure float64 `mapstructure:"max_global_exposure_eur"`
	MaxPerAssetEUR    float64 `mapstructure:"max_per_asset_eur"`
	PerAssetFrac      float64 `mapstructure:"per_asset_frac"`
	DefaultSizeEUR    float64 `mapstructure:"default_size_eur"`
	TpSlMode          string  `mapstructure:"tp_sl_mode"`
	TpPct             float64 `mapstructure:"tp_pct"`
	SlPct             float64 `mapstructure:"sl_pct"`
	TrailingPct       float64 `mapstructure:"trailing_pct"`
	MetricsPort       int     `mapstructure:"metrics_port"`
}

// ExecutorConfig controls the outbox consumer.
type ExecutorConfig struct {
	OutboxStream   string `mapstructure:"outbox_stream"`
	ExecStream     string `mapstructure:"exec_stream"`
	ErrorStream    string `mapstructure:"error_stream"`
	EventStream    string `mapstructure:"event_stream"`
	Group          string `mapstructure:"group"`
	Consumer       string `mapstructure:"consumer"`
	PrecisionCache string `mapstructure:"precision_cache"` // JSON file, atomic writes
	MetricsPort    int    `mapstructure:"metrics_port"`
}

// GuardConfig tunes the per-market exit guard. Market normally arrives via
// the MARKET env var written by the reconciler's env file.
type GuardConfig struct {
	Market    string        `mapstructure:"market"`
	AllowLive bool          `mapstructure:"allow_live"`
	TpPct     float64       `mapstructure:"take_profit_pct"`
	SlPct     float64       `mapstructure:"stop_loss_pct"`
	TrailPct  float64       `mapstructure:"trail_sl_pct"`
	Poll      time.Duration `mapstructure:"poll"`
	PromPort  int           `mapstructure:"prom_port"`
}

// ReconcilerConfig controls guard supervision and the metrics mux.
type ReconcilerConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	PromBase       int           `mapstructure:"prom_base"`
	PromRange      int           `mapstructure:"prom_range"`
	PromPort       int           `mapstructure:"prom_port"`
	MuxPort        int           `mapstructure:"mux_port"`
	DenyBases      []string      `mapstructure:"deny_bases"`
	EnvDir         string        `mapstructure:"env_dir"`
	GuardBinary    string        `mapstructure:"guard_binary"`
	Loop           time.Duration `mapstructure:"loop"`
}

// SelectorConfig controls the universe selector.
type SelectorConfig struct {
	SignalStream   string        `mapstructure:"signal_stream"`
	Window         time.Duration `mapstructure:"window"`
	MinCount       int           `mapstructure:"min_count"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	Sleep          time.Duration `mapstructure:"sleep"`
	DenyBases      []string      `mapstructure:"deny_bases"`
	MetricsPort    int           `mapstructure:"metrics_port"`
}

// StorageConfig sets where Parquet batches land.
type StorageConfig struct {
	ParquetDir string `mapstructure:"parquet_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultDenyBases keeps guards off stables, fiat, and the majors.
var DefaultDenyBases = []string{
	"BTC", "ETH", "BNB", "ADA", "SOL", "XRP",
	"USDT", "USDC", "EUR", "USD", "DAI", "TUSD", "FDUSD", "EURS", "USDE",
}

// Load reads config from a YAML file with env var overrides. All keys can be
// overridden with TRADER_<SECTION>_<KEY>; credentials additionally honor the
// BITVAVO_* variables the exchange tooling already uses.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("BITVAVO_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("BITVAVO_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if opid := os.Getenv("BITVAVO_OPERATOR_ID"); opid != "" {
		cfg.Exchange.OperatorID = opid
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if m := os.Getenv("MARKET"); m != "" {
		cfg.Guard.Market = m
	}
	if p := os.Getenv("PROM_PORT"); p != "" {
		var port int
		if _, err := fmt.Sscanf(p, "%d", &port); err == nil {
			cfg.Guard.PromPort = port
		}
	}
	if d := os.Getenv("DRY_RUN"); d == "true" || d == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)
	v.SetDefault("redis.url", "redis://127.0.0.1:6379/0")
	v.SetDefault("redis.stream_cap", 200_000)

	v.SetDefault("exchange.rest_base_url", "https://api.bitvavo.com/v2")
	v.SetDefault("exchange.ws_url", "wss://ws.bitvavo.com/v2/")
	v.SetDefault("exchange.http_timeout", 10*time.Second)
	v.SetDefault("exchange.rate_min", 200)

	v.SetDefault("ingest.depth", 100)
	v.SetDefault("ingest.drain_grace", 250*time.Millisecond)
	v.SetDefault("ingest.sub_chunk", 25)
	v.SetDefault("ingest.sleep_between_subs", 50*time.Millisecond)
	v.SetDefault("ingest.sleep_between_chunks", time.Second)
	v.SetDefault("ingest.candle_interval", "1m")
	v.SetDefault("ingest.flush_interval", 5*time.Second)
	v.SetDefault("ingest.batch_limit", 500)
	v.SetDefault("ingest.metrics_port", 9101)

	v.SetDefault("signals.stream", "signals:baseline")
	v.SetDefault("signals.spread_bps_max", 15.0)
	v.SetDefault("signals.vol_window", 30)
	v.SetDefault("signals.vol_std_min", 0.002)
	v.SetDefault("signals.spike_window", 60)
	v.SetDefault("signals.spike_mult", 3.0)
	v.SetDefault("signals.wick_ratio_min", 2.0)
	v.SetDefault("signals.metrics_port", 9102)

	v.SetDefault("core.signal_stream", "signals:baseline")
	v.SetDefault("core.outbox_stream", "orders:shadow")
	v.SetDefault("core.event_stream", "trading:events")
	v.SetDefault("core.group", "trading_core")
	v.SetDefault("core.consumer", "core")
	v.SetDefault("core.kill_switch_key", "trading:kill")
	v.SetDefault("core.max_concurrent_pos", 5)
	v.SetDefault("core.default_size_eur", 25.0)
	v.SetDefault("core.tp_sl_mode", "percent")
	v.SetDefault("core.tp_pct", 2.0)
	v.SetDefault("core.sl_pct", 1.0)
	v.SetDefault("core.trailing_pct", 0.0)
	v.SetDefault("core.metrics_port", 9103)

	v.SetDefault("executor.outbox_stream", "orders:shadow")
	v.SetDefault("executor.exec_stream", "orders:executed")
	v.SetDefault("executor.error_stream", "orders:errors")
	v.SetDefault("executor.event_stream", "trading:events")
	v.SetDefault("executor.group", "trader_executor")
	v.SetDefault("executor.consumer", "executor-1")
	v.SetDefault("executor.precision_cache", "data/precision_cache.json")
	v.SetDefault("executor.metrics_port", 9104)

	v.SetDefault("guard.allow_live", false)
	v.SetDefault("guard.take_profit_pct", 0.008)
	v.SetDefault("guard.stop_loss_pct", 0.006)
	v.SetDefault("guard.trail_sl_pct", 0.004)
	v.SetDefault("guard.poll", 500*time.Millisecond)
	v.SetDefault("guard.prom_port", 9105)

	v.SetDefault("reconciler.max_concurrency", 5)
	v.SetDefault("reconciler.prom_base", 9105)
	v.SetDefault("reconciler.prom_range", 50)
	v.SetDefault("reconciler.prom_port", 9111)
	v.SetDefault("reconciler.mux_port", 9120)
	v.SetDefault("reconciler.deny_bases", DefaultDenyBases)
	v.SetDefault("reconciler.env_dir", "data/guard-env")
	v.SetDefault("reconciler.guard_binary", "guard")
	v.SetDefault("reconciler.loop", 3*time.Second)

	v.SetDefault("selector.signal_stream", "signals:baseline")
	v.SetDefault("selector.window", 15*time.Minute)
	v.SetDefault("selector.min_count", 3)
	v.SetDefault("selector.max_concurrency", 5)
	v.SetDefault("selector.sleep", 5*time.Second)
	v.SetDefault("selector.deny_bases", DefaultDenyBases)
	v.SetDefault("selector.metrics_port", 9110)

	v.SetDefault("storage.parquet_dir", "data/parquet")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks required fields and value ranges shared by all services.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	if c.Ingest.Depth <= 0 {
		return fmt.Errorf("ingest.depth must be > 0")
	}
	if c.Signals.VolWindow < 2 {
		return fmt.Errorf("signals.vol_window must be >= 2")
	}
	if c.Core.MaxConcurrentPos < 0 {
		return fmt.Errorf("core.max_concurrent_pos must be >= 0")
	}
	if c.Guard.TpPct <= 0 || c.Guard.SlPct <= 0 {
		return fmt.Errorf("guard take_profit_pct and stop_loss_pct must be > 0")
	}
	if c.Reconciler.MaxConcurrency <= 0 {
		return fmt.Errorf("reconciler.max_concurrency must be > 0")
	}
	if c.Reconciler.PromRange <= 0 {
		return fmt.Errorf("reconciler.prom_range must be > 0")
	}
	return nil
}

// ValidateGuard adds the guard-only requirement that a market is set.
func (c *Config) ValidateGuard() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Guard.Market == "" {
		return fmt.Errorf("guard.market is required (set MARKET)")
	}
	return nil
}
