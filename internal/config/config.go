package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"p2p-rate-watch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Reference  ReferenceConfig  `mapstructure:"reference"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Timezone    string `mapstructure:"timezone"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
	HistorySize  int           `mapstructure:"history_size"`
}

// AggregatorConfig captures the P2P advert search endpoint and request sizing.
type AggregatorConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Asset          string        `mapstructure:"asset"`
	Fiat           string        `mapstructure:"fiat"`
	Venues         []string      `mapstructure:"venues"`
	Rows           int           `mapstructure:"rows"`
	BestOf         int           `mapstructure:"best_of"`
	PublisherType  string        `mapstructure:"publisher_type"`
	NotionalUnits  float64       `mapstructure:"notional_units"`
	FallbackPrice  float64       `mapstructure:"fallback_price"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ReferenceConfig describes the official reference-rate page.
type ReferenceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	URL        string        `mapstructure:"url"`
	DollarID   string        `mapstructure:"dollar_id"`
	EuroID     string        `mapstructure:"euro_id"`
	Timeout    time.Duration `mapstructure:"timeout"`
	SkipVerify bool          `mapstructure:"skip_verify"`
}

// AlertsConfig governs user price alerts.
type AlertsConfig struct {
	MaxPerOwner    int           `mapstructure:"max_per_owner"`
	CreateCooldown time.Duration `mapstructure:"create_cooldown"`
}

// BroadcastConfig tunes the broadcast dispatcher.
type BroadcastConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BatchSize       int           `mapstructure:"batch_size"`
	BatchCooldown   time.Duration `mapstructure:"batch_cooldown"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff"`
	Lease           time.Duration `mapstructure:"lease"`
	RefreshKeywords []string      `mapstructure:"refresh_keywords"`
}

// TelegramConfig 描述 Telegram Bot API 参数。
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	APIBase        string        `mapstructure:"api_base"`
	OperatorChatID int64         `mapstructure:"operator_chat_id"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
	GlobalRate     int           `mapstructure:"global_rate"`
}

// RedisConfig enables the snapshot mirror and the shared send limiter.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RATEWATCHER")
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
	v.SetDefault("app.name", "ratewatcher")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.timezone", "America/Caracas")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("scheduler.interval", "120s")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.history_size", 48)

	v.SetDefault("aggregator.base_url", "https://p2p.binance.com")
	v.SetDefault("aggregator.asset", "USDT")
	v.SetDefault("aggregator.fiat", "VES")
	v.SetDefault("aggregator.venues", []string{"PagoMovil", "Banesco", "Mercantil", "BancoDeVenezuela"})
	v.SetDefault("aggregator.rows", 5)
	v.SetDefault("aggregator.best_of", 3)
	v.SetDefault("aggregator.publisher_type", "merchant")
	v.SetDefault("aggregator.notional_units", 20.0)
	v.SetDefault("aggregator.fallback_price", 40.0)
	v.SetDefault("aggregator.request_timeout", "5s")
	v.SetDefault("aggregator.user_agent", "")

	v.SetDefault("reference.enabled", true)
	v.SetDefault("reference.url", "https://www.bcv.org.ve/")
	v.SetDefault("reference.dollar_id", "dolar")
	v.SetDefault("reference.euro_id", "euro")
	v.SetDefault("reference.timeout", "5s")
	v.SetDefault("reference.skip_verify", false)

	v.SetDefault("alerts.max_per_owner", 3)
	v.SetDefault("alerts.create_cooldown", "0s")

	v.SetDefault("broadcast.enabled", true)
	v.SetDefault("broadcast.batch_size", 25)
	v.SetDefault("broadcast.batch_cooldown", "1s")
	v.SetDefault("broadcast.poll_interval", "10s")
	v.SetDefault("broadcast.error_backoff", "5s")
	v.SetDefault("broadcast.lease", "1h")
	v.SetDefault("broadcast.refresh_keywords", []string{"precio", "dolar", "dólar", "tasa", "bcv", "binance", "price", "rate"})

	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.send_timeout", "5s")
	v.SetDefault("telegram.global_rate", 30)

	v.SetDefault("redis.key_prefix", "ratewatcher")
	v.SetDefault("redis.ttl", "30m")

	v.SetDefault("export.max_data_points", 1000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.HistorySize < 2 {
		return fmt.Errorf("scheduler.history_size must be at least 2")
	}
	if len(c.Aggregator.Venues) == 0 {
		return fmt.Errorf("aggregator.venues must not be empty")
	}
	if c.Aggregator.Rows <= 0 || c.Aggregator.BestOf <= 0 {
		return fmt.Errorf("aggregator.rows and aggregator.best_of must be greater than zero")
	}
	if c.Aggregator.BestOf > c.Aggregator.Rows {
		return fmt.Errorf("aggregator.best_of cannot exceed aggregator.rows")
	}
	if c.Aggregator.NotionalUnits <= 0 {
		return fmt.Errorf("aggregator.notional_units must be greater than zero")
	}
	if c.Aggregator.FallbackPrice <= 0 {
		return fmt.Errorf("aggregator.fallback_price must be greater than zero")
	}
	if c.Alerts.MaxPerOwner <= 0 {
		return fmt.Errorf("alerts.max_per_owner must be greater than zero")
	}
	if c.Broadcast.BatchSize <= 0 {
		return fmt.Errorf("broadcast.batch_size must be greater than zero")
	}
	if c.Broadcast.PollInterval <= 0 || c.Broadcast.ErrorBackoff <= 0 {
		return fmt.Errorf("broadcast.poll_interval and broadcast.error_backoff must be greater than zero")
	}
	if c.Broadcast.Lease < 0 {
		return fmt.Errorf("broadcast.lease cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Reference.Enabled && c.Reference.URL == "" {
		return fmt.Errorf("reference.url 必须配置")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("app.timezone invalid: %w", err)
	}
	return nil
}

// Location resolves the configured display time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.App.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.App.Timezone)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
