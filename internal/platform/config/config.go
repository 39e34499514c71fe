// Package config loads gateway configuration from file and environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the market data gateway cache core
type Config struct {
	Cache         CacheConfig         `mapstructure:"cache"`
	TTL           TTLConfig           `mapstructure:"ttl"`
	SymbolMapper  SymbolMapperConfig  `mapstructure:"symbol_mapper"`
	Stream        StreamConfig        `mapstructure:"stream"`
	Eviction      EvictionConfig      `mapstructure:"eviction"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	HTTP          HTTPConfig          `mapstructure:"http"`
}

// CacheConfig holds smart cache settings
type CacheConfig struct {
	MaxEntries        int           `mapstructure:"max_entries"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	BackgroundRefresh int           `mapstructure:"background_refresh"` // concurrent slots
	RefreshWorkers    int           `mapstructure:"refresh_workers"`
	RefreshQueueSize  int           `mapstructure:"refresh_queue_size"`
}

// TTLConfig holds the durations behind each TTL strategy
type TTLConfig struct {
	Strong       time.Duration `mapstructure:"strong"`
	Weak         time.Duration `mapstructure:"weak"`
	MarketOpen   time.Duration `mapstructure:"market_open"`
	MarketIdle   time.Duration `mapstructure:"market_idle"`
	AdaptiveBase time.Duration `mapstructure:"adaptive_base"`
	AdaptiveMin  time.Duration `mapstructure:"adaptive_min"`
	AdaptiveMax  time.Duration `mapstructure:"adaptive_max"`
}

// SymbolMapperConfig holds symbol transformer tier sizes and TTLs
type SymbolMapperConfig struct {
	RuleSetMaxEntries int           `mapstructure:"rule_set_max_entries"` // L1
	SymbolMaxEntries  int           `mapstructure:"symbol_max_entries"`   // L2
	BatchMaxEntries   int           `mapstructure:"batch_max_entries"`    // L3
	RuleSetTTL        time.Duration `mapstructure:"rule_set_ttl"`
	SymbolTTL         time.Duration `mapstructure:"symbol_ttl"`
	BatchTTL          time.Duration `mapstructure:"batch_ttl"`
	SourceTimeout     time.Duration `mapstructure:"source_timeout"`
	SourceRateLimit   float64       `mapstructure:"source_rate_limit"` // requests/sec to the rule store
	SourceBurst       int           `mapstructure:"source_burst"`
	WarmupProviders   []string      `mapstructure:"warmup_providers"`
}

// StreamConfig holds stream cache settings
type StreamConfig struct {
	HotMaxEntries        int           `mapstructure:"hot_max_entries"`
	HotTTL               time.Duration `mapstructure:"hot_ttl"`
	WarmTTL              time.Duration `mapstructure:"warm_ttl"`
	CompressionThreshold int           `mapstructure:"compression_threshold"`
	AutoHotMaxPoints     int           `mapstructure:"auto_hot_max_points"`
}

// EvictionConfig holds memory-pressure eviction settings
type EvictionConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	HighWaterMark  float64       `mapstructure:"high_water_mark"`
	RetentionRatio float64       `mapstructure:"retention_ratio"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not fatal if env vars are set
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Smart cache defaults
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.fetch_timeout", "5s")
	v.SetDefault("cache.background_refresh", 8)
	v.SetDefault("cache.refresh_workers", 4)
	v.SetDefault("cache.refresh_queue_size", 64)

	// TTL strategy defaults
	v.SetDefault("ttl.strong", "2s")
	v.SetDefault("ttl.weak", "5m")
	v.SetDefault("ttl.market_open", "1s")
	v.SetDefault("ttl.market_idle", "60s")
	v.SetDefault("ttl.adaptive_base", "30s")
	v.SetDefault("ttl.adaptive_min", "5s")
	v.SetDefault("ttl.adaptive_max", "5m")

	// Symbol mapper defaults
	v.SetDefault("symbol_mapper.rule_set_max_entries", 100)
	v.SetDefault("symbol_mapper.symbol_max_entries", 10000)
	v.SetDefault("symbol_mapper.batch_max_entries", 1000)
	v.SetDefault("symbol_mapper.rule_set_ttl", "10m")
	v.SetDefault("symbol_mapper.symbol_ttl", "10m")
	v.SetDefault("symbol_mapper.batch_ttl", "2m")
	v.SetDefault("symbol_mapper.source_timeout", "3s")
	v.SetDefault("symbol_mapper.source_rate_limit", 10.0)
	v.SetDefault("symbol_mapper.source_burst", 5)

	// Stream cache defaults
	v.SetDefault("stream.hot_max_entries", 5000)
	v.SetDefault("stream.hot_ttl", "5s")
	v.SetDefault("stream.warm_ttl", "5m")
	v.SetDefault("stream.compression_threshold", 1024)
	v.SetDefault("stream.auto_hot_max_points", 100)

	// Eviction defaults
	v.SetDefault("eviction.interval", "30s")
	v.SetDefault("eviction.high_water_mark", 0.85)
	v.SetDefault("eviction.retention_ratio", 0.25)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 9091)

	// HTTP defaults
	v.SetDefault("http.port", 8080)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache max entries must be > 0")
	}
	if c.Cache.BackgroundRefresh <= 0 {
		return fmt.Errorf("background refresh slots must be > 0")
	}

	if c.SymbolMapper.SourceRateLimit <= 0 {
		return fmt.Errorf("symbol mapper source rate limit must be > 0")
	}

	if c.Eviction.HighWaterMark <= 0 || c.Eviction.HighWaterMark > 1 {
		return fmt.Errorf("eviction high water mark must be in (0, 1]")
	}
	if c.Eviction.RetentionRatio < 0 || c.Eviction.RetentionRatio >= 1 {
		return fmt.Errorf("eviction retention ratio must be in [0, 1)")
	}

	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Observability.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Observability.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Observability.Logging.Format)
	}

	return nil
}
