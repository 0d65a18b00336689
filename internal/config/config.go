package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"positionwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Chains    []ChainConfig   `mapstructure:"chains"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Refresh   RefreshConfig   `mapstructure:"refresh"`
	Lock      LockConfig      `mapstructure:"lock"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs monitoring cadence.
type SchedulerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	MaxJitter    time.Duration `mapstructure:"max_jitter"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
	RunAtStart   bool          `mapstructure:"run_at_start"`
}

// ChainConfig describes one RPC endpoint.
type ChainConfig struct {
	ChainID        int64         `mapstructure:"chain_id"`
	Name           string        `mapstructure:"name"`
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// IndexerConfig tunes the log scanner.
type IndexerConfig struct {
	WindowSize  uint64        `mapstructure:"window_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// TierCutoffs are three ascending fractions separating CRITICAL/HIGH/MEDIUM/LOW.
type TierCutoffs struct {
	Critical float64 `mapstructure:"critical"`
	High     float64 `mapstructure:"high"`
	Medium   float64 `mapstructure:"medium"`
}

// RangeCutoffs govern liquidity range classification.
type RangeCutoffs struct {
	InHigh  float64 `mapstructure:"in_high"`
	InWarn  float64 `mapstructure:"in_warn"`
	OutWarn float64 `mapstructure:"out_warn"`
	OutHigh float64 `mapstructure:"out_high"`
}

// RiskConfig carries all classification thresholds. None of these have
// defaults: a missing threshold is a startup error, not a guessed tier.
type RiskConfig struct {
	Liquidation TierCutoffs  `mapstructure:"liquidation"`
	Redemption  TierCutoffs  `mapstructure:"redemption"`
	Range       RangeCutoffs `mapstructure:"range"`
	BucketStep  float64      `mapstructure:"bucket_step"`
}

// AlertingConfig defines alert behaviour and routing.
type AlertingConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	MinTier         string         `mapstructure:"min_tier"`
	NotifyOnResolve bool           `mapstructure:"notify_on_resolve"`
	Telegram        TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram delivery channel.
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	APIBase        string        `mapstructure:"api_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RefreshConfig controls the staleness-gated refresh coordinator.
type RefreshConfig struct {
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
	LockName           string        `mapstructure:"lock_name"`
}

// LockConfig parameterises the cross-process file lock.
type LockConfig struct {
	Dir      string        `mapstructure:"dir"`
	StaleAge time.Duration `mapstructure:"stale_age"`
}

// MetricsConfig exposes the optional Prometheus listener.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POSITIONWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "positionwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.max_jitter", "10s")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_at_start", true)

	v.SetDefault("indexer.window_size", uint64(5000))
	v.SetDefault("indexer.max_attempts", 5)
	v.SetDefault("indexer.backoff_base", "500ms")
	v.SetDefault("indexer.backoff_max", "30s")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.min_tier", "high")
	v.SetDefault("alerting.notify_on_resolve", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.request_timeout", "10s")

	v.SetDefault("refresh.lock_name", "snapshot-refresh")

	v.SetDefault("lock.dir", ".")
	v.SetDefault("lock.stale_age", "10m")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate rejects configurations that would let the process run in a
// partially-configured state. Risk cutoffs, the signature bucket step, and
// the staleness threshold are deliberately default-free.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	for i, chain := range c.Chains {
		if chain.ChainID <= 0 {
			return fmt.Errorf("chains[%d].chain_id must be positive", i)
		}
		if chain.RPCURL == "" {
			return fmt.Errorf("chains[%d].rpc_url is required", i)
		}
	}
	if c.Indexer.WindowSize == 0 {
		return fmt.Errorf("indexer.window_size must be greater than zero")
	}
	if c.Indexer.MaxAttempts <= 0 {
		return fmt.Errorf("indexer.max_attempts must be greater than zero")
	}

	if err := validateCutoffs("risk.liquidation", c.Risk.Liquidation); err != nil {
		return err
	}
	if err := validateCutoffs("risk.redemption", c.Risk.Redemption); err != nil {
		return err
	}
	if err := validateRangeCutoffs(c.Risk.Range); err != nil {
		return err
	}
	if c.Risk.BucketStep <= 0 {
		return fmt.Errorf("risk.bucket_step is required and must be greater than zero")
	}
	if c.Refresh.StalenessThreshold <= 0 {
		return fmt.Errorf("refresh.staleness_threshold is required and must be greater than zero")
	}

	if c.Alerting.Telegram.Enabled && c.Alerting.Telegram.BotToken == "" {
		return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
	}
	return nil
}

func validateCutoffs(prefix string, cut TierCutoffs) error {
	if cut.Critical <= 0 || cut.High <= 0 || cut.Medium <= 0 {
		return fmt.Errorf("%s cutoffs are required and must be greater than zero", prefix)
	}
	if !(cut.Critical < cut.High && cut.High < cut.Medium) {
		return fmt.Errorf("%s cutoffs must be strictly ascending (critical < high < medium)", prefix)
	}
	return nil
}

func validateRangeCutoffs(cut RangeCutoffs) error {
	if cut.InHigh <= 0 || cut.InWarn <= 0 || cut.OutWarn <= 0 || cut.OutHigh <= 0 {
		return fmt.Errorf("risk.range cutoffs are required and must be greater than zero")
	}
	if cut.InHigh >= cut.InWarn {
		return fmt.Errorf("risk.range.in_high must be below risk.range.in_warn")
	}
	if cut.OutWarn >= cut.OutHigh {
		return fmt.Errorf("risk.range.out_warn must be below risk.range.out_high")
	}
	return nil
}
