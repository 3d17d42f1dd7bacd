package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mirror-trader/gateway"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const sampleConfig = `
env: dev
brokerage:
  paper:
    baseURL: https://paper-api.test
    streamURL: wss://paper-api.test/stream
    apiKey: foo
    apiSecret: bar
  ratePerSecond: 3
  burst: 5
retry:
  maxRetries: 2
  baseDelay: 500ms
  maxDelay: 4s
circuitBreaker:
  threshold: 3
  cooldown: 10s
healthCheck:
  interval: 1m
orders:
  concurrency: 8
  maxBatchSize: 50
ledger:
  path: /tmp/ledger.db
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Env != "dev" || cfg.Brokerage.Paper.APIKey != "foo" {
		t.Fatalf("unexpected cfg values: %+v", cfg)
	}
	want := gateway.RetryPolicy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 4 * time.Second}
	if got := cfg.RetryPolicy(); got != want {
		t.Fatalf("retry policy = %+v, want %+v", got, want)
	}
	bc := cfg.BreakerConfig()
	if bc.Threshold != 3 || bc.Cooldown != 10*time.Second || bc.WindowSize != 0 {
		t.Fatalf("unexpected breaker config: %+v", bc)
	}
	if cfg.HealthCheck.Interval != time.Minute || cfg.HealthCheck.Timeout != 10*time.Second {
		t.Fatalf("unexpected health check config: %+v", cfg.HealthCheck)
	}
	if cfg.Orders.Concurrency != 8 || cfg.Orders.TrackerLimit != 1000 || cfg.Ledger.MaxRecords != 500 {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Orders, cfg.Ledger)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log defaults not applied: %+v", cfg.Log)
	}

	accts := cfg.Accounts()
	if len(accts) != 1 {
		t.Fatalf("expected only paper account, got %v", accts)
	}
	if accts[gateway.ModePaper].StreamURL != "wss://paper-api.test/stream" {
		t.Fatalf("unexpected paper credentials: %+v", accts[gateway.ModePaper])
	}
}

func TestLoadDefaultRetryPolicy(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, `
env: dev
brokerage:
  paper:
    baseURL: https://paper-api.test
    apiKey: foo
    apiSecret: bar
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RetryPolicy() != gateway.DefaultRetryPolicy() {
		t.Fatalf("expected default retry policy, got %+v", cfg.RetryPolicy())
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
env: prod
brokerage:
  live:
    baseURL: https://api.test
`)
	t.Setenv("MIRROR_LIVE_API_KEY", "env-key")
	t.Setenv("MIRROR_LIVE_API_SECRET", "env-secret")
	cfg, err := LoadWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Brokerage.Live.APIKey != "env-key" || cfg.Brokerage.Live.APISecret != "env-secret" {
		t.Fatalf("env overrides not applied: %+v", cfg.Brokerage.Live)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected missing credentials without env overrides")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(AppConfig{}); err == nil {
		t.Fatalf("expected error for empty config")
	}

	base := func() AppConfig {
		cfg, err := Load(writeTempConfig(t, sampleConfig))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*AppConfig)
		want   string
	}{
		{"no accounts", func(c *AppConfig) { c.Brokerage.Paper.BaseURL = "" }, "brokerage.paper or brokerage.live"},
		{"missing secret", func(c *AppConfig) { c.Brokerage.Paper.APISecret = "" }, "brokerage.paper.apiKey/apiSecret"},
		{"max below base", func(c *AppConfig) { c.Retry.MaxDelay = time.Millisecond }, "maxDelay"},
		{"negative retries", func(c *AppConfig) { c.Retry.MaxRetries = -1 }, "maxRetries"},
		{"negative threshold", func(c *AppConfig) { c.CircuitBreaker.Threshold = -1 }, "circuitBreaker"},
		{"negative batch size", func(c *AppConfig) { c.Orders.MaxBatchSize = -1 }, "maxBatchSize"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}
