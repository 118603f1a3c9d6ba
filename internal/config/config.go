package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/hogmalmsmedia/ratewatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Review    ReviewConfig    `mapstructure:"review"`
	Export    ExportConfig    `mapstructure:"export"`
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

// ServerConfig governs the HTTP API listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// ThresholdUnit names the interpretation of the large-change threshold.
type ThresholdUnit string

const (
	// UnitPoints compares the configured threshold to |delta| directly.
	UnitPoints ThresholdUnit = "points"
	// UnitPercent interprets the threshold as a percentage of the
	// configured baseline rate.
	UnitPercent ThresholdUnit = "percent"
)

// LargeChangeConfig defines when a delta needs manual review. The unit is
// explicit and required; a threshold of zero disables flagging.
type LargeChangeConfig struct {
	Threshold float64       `mapstructure:"threshold"`
	Unit      ThresholdUnit `mapstructure:"unit"`
	Baseline  float64       `mapstructure:"baseline"`
}

// TrackingConfig carries the field lists and comparison rules consumed by
// the ingestion pipeline. It is passed explicitly into constructors; the
// core never reads ambient configuration state.
type TrackingConfig struct {
	// Fields maps a category to the field names monitored under it. An
	// empty map tracks everything.
	Fields      map[string][]string `mapstructure:"fields"`
	Epsilon     float64             `mapstructure:"epsilon"`
	LargeChange LargeChangeConfig   `mapstructure:"large_change"`
}

// Tracks reports whether the given category/field pair is monitored.
func (t TrackingConfig) Tracks(category, field string) bool {
	if len(t.Fields) == 0 {
		return true
	}
	fields, ok := t.Fields[category]
	if !ok {
		return false
	}
	for _, f := range fields {
		if strings.EqualFold(f, field) {
			return true
		}
	}
	return false
}

// CacheConfig tunes the bounded-staleness read cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// SchedulerConfig governs the source-sync and cache-flush ticks.
type SchedulerConfig struct {
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ReviewConfig defines routing for flagged-observation notifications.
type ReviewConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram push channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RATEWATCH")
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
	v.SetDefault("app.name", "ratewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("tracking.epsilon", 0.0001)
	v.SetDefault("tracking.large_change.threshold", 0.5)
	v.SetDefault("tracking.large_change.unit", string(UnitPoints))
	v.SetDefault("tracking.large_change.baseline", 5.0)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", "5m")

	v.SetDefault("scheduler.sync_interval", "1h")
	v.SetDefault("scheduler.flush_interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x72617465))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("review.telegram.enabled", false)
	v.SetDefault("review.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Tracking.Epsilon < 0 {
		return fmt.Errorf("tracking.epsilon cannot be negative")
	}
	if c.Tracking.LargeChange.Threshold < 0 {
		return fmt.Errorf("tracking.large_change.threshold cannot be negative")
	}
	switch c.Tracking.LargeChange.Unit {
	case UnitPoints, UnitPercent:
	default:
		return fmt.Errorf("tracking.large_change.unit must be %q or %q, got %q",
			UnitPoints, UnitPercent, c.Tracking.LargeChange.Unit)
	}
	if c.Tracking.LargeChange.Unit == UnitPercent && c.Tracking.LargeChange.Baseline <= 0 {
		return fmt.Errorf("tracking.large_change.baseline must be positive when unit is percent")
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive when cache is enabled")
	}
	if c.Scheduler.SyncInterval <= 0 {
		return fmt.Errorf("scheduler.sync_interval must be greater than zero")
	}
	if c.Scheduler.FlushInterval <= 0 {
		return fmt.Errorf("scheduler.flush_interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Review.Telegram.Enabled {
		if c.Review.Telegram.BotToken == "" {
			return fmt.Errorf("review.telegram.bot_token is required when telegram is enabled")
		}
		if c.Review.Telegram.ChatID == "" {
			return fmt.Errorf("review.telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
