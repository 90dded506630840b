// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DBConfig controls access to the relational job store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig controls the ephemeral progress/cancellation store.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// WorkerConfig governs the claim/execute loop.
type WorkerConfig struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	PollBackoffStep   time.Duration `mapstructure:"poll_backoff_step"`
	PollIntervalMax   time.Duration `mapstructure:"poll_interval_max"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
}

// SchedulerConfig governs background campaigns.
type SchedulerConfig struct {
	DiscoveryInterval  time.Duration `mapstructure:"discovery_interval"`
	RescheduleInterval time.Duration `mapstructure:"reschedule_interval"`
	DrainInterval      time.Duration `mapstructure:"drain_interval"`
	MinIntervalHours   float64       `mapstructure:"min_interval_hours"`
	MaxIntervalHours   float64       `mapstructure:"max_interval_hours"`
	MaxDepth           int           `mapstructure:"max_depth"`
	IndexBatchSize     int           `mapstructure:"index_batch_size"`
}

// FetchConfig configures the fetch/extract collaborator.
type FetchConfig struct {
	UserAgent          string        `mapstructure:"user_agent"`
	Timeout            time.Duration `mapstructure:"timeout"`
	Parallelism        int           `mapstructure:"parallelism"`
	RateLimitPerDomain int           `mapstructure:"rate_limit_per_domain"`
	MaxBodyBytes       int           `mapstructure:"max_body_bytes"`
	IgnoreRobots       bool          `mapstructure:"ignore_robots"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "crawler:")
	v.SetDefault("redis.ttl", time.Hour)
	v.SetDefault("worker.max_concurrent_jobs", 3)
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.poll_backoff_step", 2*time.Second)
	v.SetDefault("worker.poll_interval_max", 30*time.Second)
	v.SetDefault("worker.drain_timeout", 30*time.Second)
	v.SetDefault("scheduler.discovery_interval", 6*time.Hour)
	v.SetDefault("scheduler.reschedule_interval", 12*time.Hour)
	v.SetDefault("scheduler.drain_interval", 30*time.Second)
	v.SetDefault("scheduler.min_interval_hours", 4.0)
	v.SetDefault("scheduler.max_interval_hours", 24.0)
	v.SetDefault("scheduler.max_depth", 3)
	v.SetDefault("scheduler.index_batch_size", 50)
	v.SetDefault("fetch.user_agent", "harmony-crawler/0.1")
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.parallelism", 3)
	v.SetDefault("fetch.rate_limit_per_domain", 2)
	v.SetDefault("fetch.max_body_bytes", 10*1024*1024)
	v.SetDefault("fetch.ignore_robots", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("worker.max_concurrent_jobs must be > 0")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be > 0")
	}
	if c.Worker.PollIntervalMax < c.Worker.PollInterval {
		return fmt.Errorf("worker.poll_interval_max must be >= worker.poll_interval")
	}
	if c.Scheduler.MinIntervalHours <= 0 {
		return fmt.Errorf("scheduler.min_interval_hours must be > 0")
	}
	if c.Scheduler.MaxIntervalHours < c.Scheduler.MinIntervalHours {
		return fmt.Errorf("scheduler.max_interval_hours must be >= scheduler.min_interval_hours")
	}
	if c.Scheduler.MaxDepth < 0 {
		return fmt.Errorf("scheduler.max_depth must be >= 0")
	}
	if c.Redis.TTL <= 0 {
		return fmt.Errorf("redis.ttl must be > 0")
	}
	return nil
}
