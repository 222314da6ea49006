// Package config loads runtime settings for the escrow services from the
// environment (ESCROW_ prefix) and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is loaded once at startup by Load.
type Config struct {
	DatabaseURL string
	HTTPAddr    string
	JWTSecret   string

	Log LogConfig

	Service   ServiceConfig
	Sweeper   SweeperConfig
	RateLimit RateLimitConfig
	Kafka     KafkaConfig
	Relay     RelayConfig
}

type LogConfig struct {
	Level  string
	Format string
}

// ServiceConfig tunes the trade service façade.
type ServiceConfig struct {
	// MaxRetries bounds how often a transition that lost the optimistic write
	// is re-validated against fresh state before surfacing the conflict.
	MaxRetries           int
	DefaultPaymentWindow time.Duration
	DefaultDisputeWindow time.Duration
}

type SweeperConfig struct {
	Interval    time.Duration
	BatchSize   int
	Parallelism int
}

// RateLimitConfig bounds per-actor request rates. Entries idle for IdleTTL are
// evicted and at most MaxActors limiters are kept.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	MaxActors         int
	IdleTTL           time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type RelayConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

var ErrMissingDatabaseURL = errors.New("config: database url required")

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("service.max_retries", 3)
	v.SetDefault("service.default_payment_window", 30*time.Minute)
	v.SetDefault("service.default_dispute_window", 24*time.Hour)
	v.SetDefault("sweeper.interval", time.Minute)
	v.SetDefault("sweeper.batch_size", 200)
	v.SetDefault("sweeper.parallelism", 8)
	v.SetDefault("rate_limit.requests_per_second", 5.0)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("rate_limit.max_actors", 10000)
	v.SetDefault("rate_limit.idle_ttl", 10*time.Minute)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "escrow.trade-events")
	v.SetDefault("relay.interval", time.Second)
	v.SetDefault("relay.batch_size", 50)
	v.SetDefault("relay.max_attempts", 10)
}

// Load reads configuration. When path is non-empty the file is merged under
// the environment, which always wins.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("escrow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := Config{
		DatabaseURL: v.GetString("database_url"),
		HTTPAddr:    v.GetString("http_addr"),
		JWTSecret:   v.GetString("jwt_secret"),
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Service: ServiceConfig{
			MaxRetries:           v.GetInt("service.max_retries"),
			DefaultPaymentWindow: v.GetDuration("service.default_payment_window"),
			DefaultDisputeWindow: v.GetDuration("service.default_dispute_window"),
		},
		Sweeper: SweeperConfig{
			Interval:    v.GetDuration("sweeper.interval"),
			BatchSize:   v.GetInt("sweeper.batch_size"),
			Parallelism: v.GetInt("sweeper.parallelism"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: v.GetFloat64("rate_limit.requests_per_second"),
			Burst:             v.GetInt("rate_limit.burst"),
			MaxActors:         v.GetInt("rate_limit.max_actors"),
			IdleTTL:           v.GetDuration("rate_limit.idle_ttl"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetStringSlice("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
		Relay: RelayConfig{
			Interval:    v.GetDuration("relay.interval"),
			BatchSize:   v.GetInt("relay.batch_size"),
			MaxAttempts: v.GetInt("relay.max_attempts"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot start with.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.Service.MaxRetries < 0 {
		return fmt.Errorf("config: service.max_retries must be >= 0")
	}
	if c.Sweeper.Interval <= 0 || c.Sweeper.BatchSize <= 0 || c.Sweeper.Parallelism <= 0 {
		return fmt.Errorf("config: sweeper interval, batch size and parallelism must be positive")
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("config: rate limit must be positive")
	}
	if c.RateLimit.MaxActors <= 0 || c.RateLimit.IdleTTL <= 0 {
		return fmt.Errorf("config: rate limit cache bounds must be positive")
	}
	return nil
}

// splitList accepts both a real list and a single comma separated env value.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
