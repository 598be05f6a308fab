package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// ErrInvalid marks configuration errors. Startup aborts on it.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the complete application configuration
type Config struct {
	Binance  BinanceConfig  `mapstructure:"binance"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// BinanceConfig holds exchange API configuration
type BinanceConfig struct {
	FuturesURL   string        `mapstructure:"futures_url"`
	SpotURL      string        `mapstructure:"spot_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RequestDelay time.Duration `mapstructure:"request_delay"`
	Workers      int           `mapstructure:"workers"`
	TopN         int           `mapstructure:"top_n"` // 0 = every tradable perpetual
	QuoteAsset   string        `mapstructure:"quote_asset"`
	RatioPeriod  string        `mapstructure:"ratio_period"`
}

// MonitorConfig holds alerting thresholds and job cadence
type MonitorConfig struct {
	FundingRateThreshold float64            `mapstructure:"funding_rate_threshold"`
	OIRatioThreshold     float64            `mapstructure:"oi_ratio_threshold"`
	MarketCapThreshold   float64            `mapstructure:"market_cap_threshold"`
	Tiered               bool               `mapstructure:"tiered"`
	CollectionInterval   time.Duration      `mapstructure:"collection_interval"`
	StatusInterval       time.Duration      `mapstructure:"status_interval"`
	ReportInterval       time.Duration      `mapstructure:"report_interval"` // 0 disables the extremes report
	ReportWindows        []time.Duration    `mapstructure:"report_windows"`
	ReportTopN           int                `mapstructure:"report_top_n"`
	CleanupSchedule      string             `mapstructure:"cleanup_schedule"`
	ErrorBackoff         time.Duration      `mapstructure:"error_backoff"`
	AlertMode            string             `mapstructure:"alert_mode"`
	AlertCooldown        time.Duration      `mapstructure:"alert_cooldown"`
	CirculatingSupply    map[string]float64 `mapstructure:"circulating_supply"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// Configured reports whether delivery can be attempted at all.
func (t TelegramConfig) Configured() bool {
	return t.Enabled && t.BotToken != "" && t.ChatID != ""
}

// StorageConfig holds time-series persistence configuration
type StorageConfig struct {
	Backend         string `mapstructure:"backend"`
	DataDir         string `mapstructure:"data_dir"`
	DBPath          string `mapstructure:"db_path"`
	RedisAddr       string `mapstructure:"redis_addr"`
	RedisPassword   string `mapstructure:"redis_password"`
	RedisDB         int    `mapstructure:"redis_db"`
	RedisPrefix     string `mapstructure:"redis_prefix"`
	SizeThresholdMB int64  `mapstructure:"size_threshold_mb"`
	MaxRows         int    `mapstructure:"max_rows"`
}

// SizeThresholdBytes returns the retention trigger in bytes.
func (s StorageConfig) SizeThresholdBytes() int64 {
	return s.SizeThresholdMB * 1024 * 1024
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// DefaultCirculatingSupply seeds the market-cap estimate for well known assets.
var DefaultCirculatingSupply = map[string]float64{
	"btc":   19500000,
	"eth":   120000000,
	"bnb":   150000000,
	"ada":   35000000000,
	"sol":   400000000,
	"xrp":   54000000000,
	"dot":   1200000000,
	"doge":  140000000000,
	"avax":  360000000,
	"matic": 10000000000,
}

// Load reads configuration from file and environment variables.
// An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Enable environment variable override, e.g. PERPWATCH_TELEGRAM_BOT_TOKEN
	v.SetEnvPrefix("PERPWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Binance defaults
	v.SetDefault("binance.futures_url", "https://fapi.binance.com")
	v.SetDefault("binance.spot_url", "https://api.binance.com")
	v.SetDefault("binance.timeout", "10s")
	v.SetDefault("binance.request_delay", "100ms")
	v.SetDefault("binance.workers", 1)
	v.SetDefault("binance.top_n", 0)
	v.SetDefault("binance.quote_asset", "USDT")
	v.SetDefault("binance.ratio_period", "5m")

	// Monitor defaults
	v.SetDefault("monitor.funding_rate_threshold", 0.001)
	v.SetDefault("monitor.oi_ratio_threshold", 2.0)
	v.SetDefault("monitor.market_cap_threshold", 100000000.0)
	v.SetDefault("monitor.tiered", true)
	v.SetDefault("monitor.collection_interval", "5m")
	v.SetDefault("monitor.status_interval", "30m")
	v.SetDefault("monitor.report_interval", "30m")
	v.SetDefault("monitor.report_windows", []string{"24h", "6h"})
	v.SetDefault("monitor.report_top_n", 10)
	v.SetDefault("monitor.cleanup_schedule", "0 0 * * *")
	v.SetDefault("monitor.error_backoff", "60s")
	v.SetDefault("monitor.alert_mode", "batch")
	v.SetDefault("monitor.alert_cooldown", "0s")
	v.SetDefault("monitor.circulating_supply", DefaultCirculatingSupply)

	// Telegram defaults
	v.SetDefault("telegram.enabled", true)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.backend", "csv")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.db_path", "./data/perpwatch.db")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.redis_prefix", "perpwatch:")
	v.SetDefault("storage.size_threshold_mb", 800)
	v.SetDefault("storage.max_rows", 1000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_age_days", 7)
	v.SetDefault("logging.max_backups", 3)
}

// Validate checks that all configuration values are valid.
// Missing Telegram credentials are not an error: delivery is disabled instead.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (c *Config) validate() error {
	// Validate Binance config
	if c.Binance.FuturesURL == "" {
		return fmt.Errorf("binance.futures_url is required")
	}
	if c.Binance.Timeout <= 0 {
		return fmt.Errorf("binance.timeout must be positive")
	}
	if c.Binance.RequestDelay < 0 {
		return fmt.Errorf("binance.request_delay must not be negative")
	}
	if c.Binance.Workers < 1 || c.Binance.Workers > 32 {
		return fmt.Errorf("binance.workers must be between 1 and 32")
	}
	if c.Binance.TopN < 0 {
		return fmt.Errorf("binance.top_n must not be negative")
	}
	if c.Binance.QuoteAsset == "" {
		return fmt.Errorf("binance.quote_asset is required")
	}

	// Validate Monitor config
	if c.Monitor.FundingRateThreshold <= 0 {
		return fmt.Errorf("monitor.funding_rate_threshold must be positive")
	}
	if c.Monitor.OIRatioThreshold <= 0 {
		return fmt.Errorf("monitor.oi_ratio_threshold must be positive")
	}
	if c.Monitor.MarketCapThreshold < 0 {
		return fmt.Errorf("monitor.market_cap_threshold must not be negative")
	}
	if c.Monitor.CollectionInterval < 1*time.Minute {
		return fmt.Errorf("monitor.collection_interval must be at least 1 minute")
	}
	if c.Monitor.StatusInterval < 1*time.Minute {
		return fmt.Errorf("monitor.status_interval must be at least 1 minute")
	}
	if c.Monitor.ReportInterval < 0 {
		return fmt.Errorf("monitor.report_interval must not be negative")
	}
	if c.Monitor.ReportInterval > 0 {
		if len(c.Monitor.ReportWindows) == 0 {
			return fmt.Errorf("monitor.report_windows must contain at least one window")
		}
		for _, w := range c.Monitor.ReportWindows {
			if w <= 0 {
				return fmt.Errorf("monitor.report_windows entries must be positive")
			}
		}
		if c.Monitor.ReportTopN < 1 {
			return fmt.Errorf("monitor.report_top_n must be at least 1")
		}
	}
	if _, err := cron.ParseStandard(c.Monitor.CleanupSchedule); err != nil {
		return fmt.Errorf("monitor.cleanup_schedule: %v", err)
	}
	if c.Monitor.ErrorBackoff < 0 {
		return fmt.Errorf("monitor.error_backoff must not be negative")
	}
	if c.Monitor.AlertMode != "batch" && c.Monitor.AlertMode != "single" {
		return fmt.Errorf("monitor.alert_mode must be one of: batch, single")
	}
	if c.Monitor.AlertCooldown < 0 {
		return fmt.Errorf("monitor.alert_cooldown must not be negative")
	}

	// Validate Storage config
	switch c.Storage.Backend {
	case "csv":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the csv backend")
		}
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required for the sqlite backend")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of: csv, sqlite, redis")
	}
	if c.Storage.SizeThresholdMB < 1 {
		return fmt.Errorf("storage.size_threshold_mb must be at least 1")
	}
	if c.Storage.MaxRows < 10 {
		return fmt.Errorf("storage.max_rows must be at least 10")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
