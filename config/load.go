package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"mirror-trader/gateway"
	"mirror-trader/infrastructure/logger"
	"mirror-trader/internal/risk"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env            string               `yaml:"env"`
	Brokerage      BrokerageConfig      `yaml:"brokerage"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	HealthCheck    HealthCheckConfig    `yaml:"healthCheck"`
	Orders         OrdersConfig         `yaml:"orders"`
	Ledger         LedgerConfig         `yaml:"ledger"`
	HTTP           ListenConfig         `yaml:"http"`
	Metrics        ListenConfig         `yaml:"metrics"`
	Log            logger.Config        `yaml:"log"`
	Alerts         AlertsConfig         `yaml:"alerts"`
	HotReload      HotReloadConfig      `yaml:"hotReload"`
}

// BrokerageConfig describes the paper and live accounts plus the shared request budget.
type BrokerageConfig struct {
	Paper         AccountConfig `yaml:"paper"`
	Live          AccountConfig `yaml:"live"`
	RatePerSecond float64       `yaml:"ratePerSecond"` // 0 disables the limiter
	Burst         int           `yaml:"burst"`
	Timeout       time.Duration `yaml:"timeout"` // per HTTP attempt
}

// AccountConfig is one brokerage account. An account without baseURL is disabled.
type AccountConfig struct {
	BaseURL   string `yaml:"baseURL"`
	StreamURL string `yaml:"streamURL"` // trade_updates websocket, optional
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

func (a AccountConfig) enabled() bool { return a.BaseURL != "" }

type RetryConfig struct {
	MaxRetries int           `yaml:"maxRetries"`
	BaseDelay  time.Duration `yaml:"baseDelay"`
	MaxDelay   time.Duration `yaml:"maxDelay"`
}

type CircuitBreakerConfig struct {
	Threshold  int           `yaml:"threshold"`
	Cooldown   time.Duration `yaml:"cooldown"`
	WindowSize int           `yaml:"windowSize"`
	WindowAge  time.Duration `yaml:"windowAge"`
}

type HealthCheckConfig struct {
	Interval time.Duration `yaml:"interval"` // 0 disables background probing
	Timeout  time.Duration `yaml:"timeout"`
}

type OrdersConfig struct {
	Concurrency  int `yaml:"concurrency"`
	MaxBatchSize int `yaml:"maxBatchSize"`
	TrackerLimit int `yaml:"trackerLimit"` // orders kept in memory for trade updates
}

type LedgerConfig struct {
	Path       string `yaml:"path"` // empty disables the ledger
	MaxRecords int    `yaml:"maxRecords"`
}

type ListenConfig struct {
	Addr string `yaml:"addr"` // empty disables the listener
}

type AlertsConfig struct {
	Throttle   time.Duration `yaml:"throttle"`
	WebhookURL string        `yaml:"webhookURL"`
}

type HotReloadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// Load reads YAML config from path, fills defaults and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parse(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides credentials from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	overrides := []struct {
		env string
		dst *string
	}{
		{"MIRROR_PAPER_API_KEY", &cfg.Brokerage.Paper.APIKey},
		{"MIRROR_PAPER_API_SECRET", &cfg.Brokerage.Paper.APISecret},
		{"MIRROR_LIVE_API_KEY", &cfg.Brokerage.Live.APIKey},
		{"MIRROR_LIVE_API_SECRET", &cfg.Brokerage.Live.APISecret},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
	return cfg, Validate(cfg)
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Retry == (RetryConfig{}) {
		def := gateway.DefaultRetryPolicy()
		cfg.Retry = RetryConfig{MaxRetries: def.MaxRetries, BaseDelay: def.BaseDelay, MaxDelay: def.MaxDelay}
	}
	if cfg.Brokerage.Timeout <= 0 {
		cfg.Brokerage.Timeout = 10 * time.Second
	}
	if cfg.HealthCheck.Timeout <= 0 {
		cfg.HealthCheck.Timeout = 10 * time.Second
	}
	if cfg.Orders.Concurrency <= 0 {
		cfg.Orders.Concurrency = 4
	}
	if cfg.Orders.TrackerLimit <= 0 {
		cfg.Orders.TrackerLimit = 1000
	}
	if cfg.Ledger.MaxRecords <= 0 {
		cfg.Ledger.MaxRecords = 500
	}
	if cfg.Alerts.Throttle <= 0 {
		cfg.Alerts.Throttle = 5 * time.Minute
	}
	if cfg.HotReload.Cooldown <= 0 {
		cfg.HotReload.Cooldown = 5 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log = logger.DefaultConfig()
	}
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if !cfg.Brokerage.Paper.enabled() && !cfg.Brokerage.Live.enabled() {
		return errors.New("brokerage.paper or brokerage.live is required")
	}
	for name, acct := range map[string]AccountConfig{"paper": cfg.Brokerage.Paper, "live": cfg.Brokerage.Live} {
		if !acct.enabled() {
			continue
		}
		if acct.APIKey == "" || acct.APISecret == "" {
			return fmt.Errorf("brokerage.%s.apiKey/apiSecret is required (or env overrides)", name)
		}
	}
	if cfg.Brokerage.RatePerSecond < 0 || cfg.Brokerage.Burst < 0 {
		return errors.New("brokerage rate limit must be >= 0")
	}
	if err := cfg.RetryPolicy().Validate(); err != nil {
		return err
	}
	cb := cfg.CircuitBreaker
	if cb.Threshold < 0 || cb.Cooldown < 0 || cb.WindowSize < 0 || cb.WindowAge < 0 {
		return errors.New("circuitBreaker values must be >= 0")
	}
	if cfg.HealthCheck.Interval < 0 {
		return errors.New("healthCheck.interval must be >= 0")
	}
	if cfg.Orders.MaxBatchSize < 0 {
		return errors.New("orders.maxBatchSize must be >= 0")
	}
	return nil
}

// RetryPolicy converts the retry section.
func (c AppConfig) RetryPolicy() gateway.RetryPolicy {
	return gateway.RetryPolicy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
	}
}

// BreakerConfig converts the circuitBreaker section; zero values fall back to breaker defaults.
func (c AppConfig) BreakerConfig() risk.CircuitBreakerConfig {
	return risk.CircuitBreakerConfig{
		Threshold:  c.CircuitBreaker.Threshold,
		Cooldown:   c.CircuitBreaker.Cooldown,
		WindowSize: c.CircuitBreaker.WindowSize,
		WindowAge:  c.CircuitBreaker.WindowAge,
	}
}

// Accounts returns credentials of the enabled accounts keyed by mode.
func (c AppConfig) Accounts() map[gateway.AccountMode]gateway.Credentials {
	out := make(map[gateway.AccountMode]gateway.Credentials, 2)
	for mode, acct := range map[gateway.AccountMode]AccountConfig{
		gateway.ModePaper: c.Brokerage.Paper,
		gateway.ModeLive:  c.Brokerage.Live,
	} {
		if !acct.enabled() {
			continue
		}
		out[mode] = gateway.Credentials{
			BaseURL:   acct.BaseURL,
			StreamURL: acct.StreamURL,
			APIKey:    acct.APIKey,
			APISecret: acct.APISecret,
		}
	}
	return out
}
