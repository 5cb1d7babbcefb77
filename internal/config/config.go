// Package config loads engine configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig selects and tunes the durable store.
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver" yaml:"driver"` // "postgres" or "sqlite"
	DSN             string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"` // seconds
}

// RedisConfig configures the strategy cache. Empty address disables it.
type RedisConfig struct {
	Address  string        `mapstructure:"address" yaml:"address"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// ExchangeConfig selects the live or simulated exchange client.
type ExchangeConfig struct {
	Mode       string        `mapstructure:"mode" yaml:"mode"` // "live" or "paper"
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	APISecret  string        `mapstructure:"api_secret" yaml:"api_secret"`
	RecvWindow int           `mapstructure:"recv_window" yaml:"recv_window"` // milliseconds
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// Paper-mode parameters.
	PaperBalance   float64 `mapstructure:"paper_balance" yaml:"paper_balance"`
	PaperSpreadBps int     `mapstructure:"paper_spread_bps" yaml:"paper_spread_bps"`
	PaperFeeBps    int     `mapstructure:"paper_fee_bps" yaml:"paper_fee_bps"`
}

// RunnerConfig tunes the strategy scheduler.
type RunnerConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	LoopInterval  time.Duration `mapstructure:"loop_interval" yaml:"loop_interval"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

// ExecutionConfig tunes the idempotent order executor.
type ExecutionConfig struct {
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl" yaml:"idempotency_ttl"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	VerifyAttempts int           `mapstructure:"verify_attempts" yaml:"verify_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
}

// Config is the root engine configuration.
type Config struct {
	LogLevel    string          `mapstructure:"log_level" yaml:"log_level"`
	MetricsAddr string          `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	Database    DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Redis       RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Exchange    ExchangeConfig  `mapstructure:"exchange" yaml:"exchange"`
	Runner      RunnerConfig    `mapstructure:"runner" yaml:"runner"`
	Execution   ExecutionConfig `mapstructure:"execution" yaml:"execution"`
}

// Load reads configuration from the given file (optional) plus
// TRADEFORGE_* environment variables, applies defaults and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TRADEFORGE")
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9100")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 3600)

	v.SetDefault("redis.cache_ttl", 5*time.Minute)

	v.SetDefault("exchange.mode", "paper")
	v.SetDefault("exchange.base_url", "https://fapi.binance.com")
	v.SetDefault("exchange.recv_window", 5000)
	v.SetDefault("exchange.timeout", 10*time.Second)
	v.SetDefault("exchange.paper_balance", 10000.0)
	v.SetDefault("exchange.paper_spread_bps", 2)
	v.SetDefault("exchange.paper_fee_bps", 4)

	v.SetDefault("runner.max_concurrent", 20)
	v.SetDefault("runner.sweep_interval", 30*time.Second)
	v.SetDefault("runner.loop_interval", 5*time.Second)
	v.SetDefault("runner.stop_timeout", 30*time.Second)

	v.SetDefault("execution.idempotency_ttl", 10*time.Minute)
	v.SetDefault("execution.max_attempts", 3)
	v.SetDefault("execution.verify_attempts", 5)
	v.SetDefault("execution.backoff_base", 500*time.Millisecond)
}

// Validate checks for configuration that cannot work.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.Exchange.Mode {
	case "live":
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange.api_key and exchange.api_secret are required in live mode")
		}
	case "paper":
	default:
		return fmt.Errorf("unsupported exchange mode %q", c.Exchange.Mode)
	}
	if c.Runner.MaxConcurrent <= 0 {
		return fmt.Errorf("runner.max_concurrent must be positive")
	}
	if c.Execution.MaxAttempts <= 0 || c.Execution.VerifyAttempts <= 0 {
		return fmt.Errorf("execution attempt budgets must be positive")
	}
	return nil
}
