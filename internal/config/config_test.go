package config

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestLoadAndValidate(t *testing.T) {
	// Create temp config file
	content := `
binance:
  top_n: 50
  workers: 4
  request_delay: 200ms

monitor:
  funding_rate_threshold: 0.002
  oi_ratio_threshold: 2.5
  collection_interval: 5m
  report_windows: [12h]
  circulating_supply:
    pepe: 420690000000000

telegram:
  bot_token: "test_token"
  chat_id: "12345"
  enabled: true

storage:
  backend: sqlite
  db_path: "./data/test.db"

logging:
  level: "debug"
  format: "json"
`
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Remove(tmpfile.Name()) }()

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	// Test Load
	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Verify values
	if cfg.Binance.TopN != 50 || cfg.Binance.Workers != 4 {
		t.Errorf("Unexpected binance config: %+v", cfg.Binance)
	}
	if cfg.Binance.RequestDelay != 200*time.Millisecond {
		t.Errorf("Unexpected request delay: %v", cfg.Binance.RequestDelay)
	}
	if cfg.Monitor.FundingRateThreshold != 0.002 {
		t.Errorf("Unexpected funding threshold: %f", cfg.Monitor.FundingRateThreshold)
	}
	if cfg.Monitor.MarketCapThreshold != 100000000 {
		t.Errorf("Unexpected market cap default: %f", cfg.Monitor.MarketCapThreshold)
	}
	if len(cfg.Monitor.ReportWindows) != 1 || cfg.Monitor.ReportWindows[0] != 12*time.Hour {
		t.Errorf("Unexpected report windows: %v", cfg.Monitor.ReportWindows)
	}
	if cfg.Monitor.CirculatingSupply["pepe"] != 420690000000000 {
		t.Errorf("Unexpected supply map: %v", cfg.Monitor.CirculatingSupply)
	}
	if cfg.Storage.MaxRows != 1000 || cfg.Storage.SizeThresholdBytes() != 800*1024*1024 {
		t.Errorf("Unexpected retention defaults: %+v", cfg.Storage)
	}
	if !cfg.Telegram.Configured() {
		t.Error("Telegram should be configured")
	}

	// Test Validate
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Monitor.CollectionInterval != 5*time.Minute {
		t.Errorf("Unexpected collection interval: %v", cfg.Monitor.CollectionInterval)
	}
	if cfg.Monitor.ErrorBackoff != time.Minute {
		t.Errorf("Unexpected backoff: %v", cfg.Monitor.ErrorBackoff)
	}
	if cfg.Telegram.Configured() {
		t.Error("Telegram must not be configured without credentials")
	}
	// Missing credentials disable delivery but do not fail validation.
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero workers", func(c *Config) { c.Binance.Workers = 0 }},
		{"negative funding threshold", func(c *Config) { c.Monitor.FundingRateThreshold = -0.001 }},
		{"short collection interval", func(c *Config) { c.Monitor.CollectionInterval = 10 * time.Second }},
		{"bad cleanup schedule", func(c *Config) { c.Monitor.CleanupSchedule = "every day" }},
		{"unknown alert mode", func(c *Config) { c.Monitor.AlertMode = "digest" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "parquet" }},
		{"tiny row cap", func(c *Config) { c.Storage.MaxRows = 5 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error %v should wrap ErrInvalid", err)
			}
		})
	}
}
