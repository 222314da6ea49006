package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ESCROW_DATABASE_URL", "postgres://localhost/escrow")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.Service.MaxRetries != 3 {
		t.Fatalf("expected 3 retries, got %d", cfg.Service.MaxRetries)
	}
	if cfg.Sweeper.Interval != time.Minute {
		t.Fatalf("expected 1m sweep interval, got %s", cfg.Sweeper.Interval)
	}
	if cfg.Kafka.Topic != "escrow.trade-events" {
		t.Fatalf("unexpected kafka topic %q", cfg.Kafka.Topic)
	}
	if len(cfg.Kafka.Brokers) != 0 {
		t.Fatalf("expected no brokers by default, got %v", cfg.Kafka.Brokers)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ESCROW_DATABASE_URL", "postgres://localhost/escrow")
	t.Setenv("ESCROW_SWEEPER_INTERVAL", "15s")
	t.Setenv("ESCROW_SERVICE_MAX_RETRIES", "5")
	t.Setenv("ESCROW_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sweeper.Interval != 15*time.Second {
		t.Fatalf("expected 15s, got %s", cfg.Sweeper.Interval)
	}
	if cfg.Service.MaxRetries != 5 {
		t.Fatalf("expected 5 retries, got %d", cfg.Service.MaxRetries)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("ESCROW_DATABASE_URL", "")

	if _, err := Load(""); !errors.Is(err, ErrMissingDatabaseURL) {
		t.Fatalf("expected ErrMissingDatabaseURL, got %v", err)
	}
}
