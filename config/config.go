package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Argus service. It is read once at
// startup; components hold the values they need rather than re-reading.
type Config struct {
	ClickHouse struct {
		Addr        string `mapstructure:"addr"`
		Database    string `mapstructure:"database"`
		Username    string `mapstructure:"username"`
		Password    string `mapstructure:"password"`
		MaxPoolSize int    `mapstructure:"max_pool_size"`
		TLS         bool   `mapstructure:"tls"`
	} `mapstructure:"clickhouse"`

	SQLite struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`
	} `mapstructure:"redis"`

	Scheduler struct {
		TickInterval       time.Duration `mapstructure:"tick_interval"`
		QueryTimeout       time.Duration `mapstructure:"query_timeout"`
		MaxConcurrentRules int           `mapstructure:"max_concurrent_rules"`
		AlertBatchLimit    int           `mapstructure:"alert_batch_limit"`
	} `mapstructure:"scheduler"`

	Stream struct {
		QueueSize      int `mapstructure:"queue_size"`
		HighWater      int `mapstructure:"high_water"`
		LowWater       int `mapstructure:"low_water"`
		RegexTimeoutMs int `mapstructure:"regex_timeout_ms"`
		RegexCacheSize int `mapstructure:"regex_cache_size"`
	} `mapstructure:"stream"`

	Incidents struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"incidents"`

	RateLimit struct {
		RefillRate float64       `mapstructure:"refill_rate"`
		Capacity   float64       `mapstructure:"capacity"`
		KeyTTL     time.Duration `mapstructure:"key_ttl"`
	} `mapstructure:"rate_limit"`

	CircuitBreaker struct {
		ErrorsToOpen uint32        `mapstructure:"errors_to_open"`
		Window       time.Duration `mapstructure:"window"`
		Cooldown     time.Duration `mapstructure:"cooldown"`
	} `mapstructure:"circuit_breaker"`

	API struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"api"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// setDefaults registers every default value before reading files or env.
func setDefaults(v *viper.Viper) {
	v.SetDefault("clickhouse.addr", "localhost:9000")
	v.SetDefault("clickhouse.database", "argus")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.max_pool_size", 10)
	v.SetDefault("clickhouse.tls", false)

	v.SetDefault("sqlite.path", "./data/argus.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("scheduler.tick_interval", 60*time.Second)
	v.SetDefault("scheduler.query_timeout", 30*time.Second)
	v.SetDefault("scheduler.max_concurrent_rules", 4)
	v.SetDefault("scheduler.alert_batch_limit", 50)

	v.SetDefault("stream.queue_size", 4096)
	v.SetDefault("stream.high_water", 3072)
	v.SetDefault("stream.low_water", 1024)
	v.SetDefault("stream.regex_timeout_ms", 500)
	v.SetDefault("stream.regex_cache_size", 1000)

	v.SetDefault("incidents.interval", 60*time.Second)

	v.SetDefault("rate_limit.refill_rate", 10.0)
	v.SetDefault("rate_limit.capacity", 100.0)
	v.SetDefault("rate_limit.key_ttl", 10*time.Minute)

	v.SetDefault("circuit_breaker.errors_to_open", 5)
	v.SetDefault("circuit_breaker.window", 30*time.Second)
	v.SetDefault("circuit_breaker.cooldown", 60*time.Second)

	v.SetDefault("api.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from the optional file path, then environment
// variables with the ARGUS_ prefix (e.g. ARGUS_CLICKHOUSE_ADDR).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARGUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would misbehave at runtime rather
// than failing later inside a tick.
func (c *Config) Validate() error {
	if c.ClickHouse.Addr == "" {
		return fmt.Errorf("clickhouse.addr must not be empty")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if c.Scheduler.QueryTimeout <= 0 {
		return fmt.Errorf("scheduler.query_timeout must be positive")
	}
	if c.Scheduler.MaxConcurrentRules < 1 {
		return fmt.Errorf("scheduler.max_concurrent_rules must be at least 1")
	}
	if c.Scheduler.AlertBatchLimit < 1 {
		return fmt.Errorf("scheduler.alert_batch_limit must be at least 1")
	}
	if c.Stream.HighWater <= c.Stream.LowWater {
		return fmt.Errorf("stream.high_water must be greater than stream.low_water")
	}
	if c.Stream.QueueSize < c.Stream.HighWater {
		return fmt.Errorf("stream.queue_size must be at least stream.high_water")
	}
	if c.RateLimit.RefillRate <= 0 || c.RateLimit.Capacity < 1 {
		return fmt.Errorf("rate_limit.refill_rate must be positive and capacity at least 1")
	}
	if c.CircuitBreaker.ErrorsToOpen == 0 {
		return fmt.Errorf("circuit_breaker.errors_to_open must be at least 1")
	}
	return nil
}
