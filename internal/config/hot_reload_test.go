package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "mirror-trader/config"
	"mirror-trader/gateway"
	"mirror-trader/internal/risk"
)

type appConfig = appconfig.AppConfig

const baseConfig = `
env: dev
brokerage:
  paper:
    baseURL: https://paper-api.test
    apiKey: foo
    apiSecret: bar
retry:
  maxRetries: 3
  baseDelay: 1s
  maxDelay: 30s
circuitBreaker:
  threshold: 5
  cooldown: 30s
`

const updatedConfig = `
env: dev
brokerage:
  paper:
    baseURL: https://paper-api.test
    apiKey: foo
    apiSecret: bar
retry:
  maxRetries: 1
  baseDelay: 200ms
  maxDelay: 2s
circuitBreaker:
  threshold: 2
  cooldown: 5s
`

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newClient(t *testing.T) *gateway.BrokerageClient {
	t.Helper()
	client, err := gateway.NewBrokerageClient(gateway.BrokerageConfig{
		Accounts: map[gateway.AccountMode]gateway.Credentials{
			gateway.ModePaper: {BaseURL: "https://paper-api.test", APIKey: "k", APISecret: "s"},
		},
		Policy: gateway.DefaultRetryPolicy(),
	})
	require.NoError(t, err)
	return client
}

func TestHotReloaderReloadAppliesSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, baseConfig)

	client := newClient(t)
	reg := risk.NewRegistry(risk.DefaultCircuitBreakerConfig())

	reloader, err := NewHotReloader(path, DefaultHotReloadConfig(), nil)
	require.NoError(t, err)
	defer reloader.Stop()
	reloader.RegisterApplier("retry", ApplyRetryPolicy(client))
	reloader.RegisterApplier("circuitBreaker", ApplyBreakerConfig(reg))

	writeConfig(t, path, updatedConfig)
	require.NoError(t, reloader.Reload())

	assert.Equal(t, gateway.RetryPolicy{MaxRetries: 1, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}, client.RetryPolicy())
	assert.Equal(t, 2, reg.Config().Threshold)
	assert.Equal(t, 5*time.Second, reg.Config().Cooldown)
	assert.Equal(t, 100, reg.Config().WindowSize)
	assert.False(t, reloader.GetLastReloadTime().IsZero())
}

func TestHotReloaderInvalidConfigKeepsSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, baseConfig)

	client := newClient(t)
	reloader, err := NewHotReloader(path, DefaultHotReloadConfig(), nil)
	require.NoError(t, err)
	defer reloader.Stop()
	reloader.RegisterApplier("retry", ApplyRetryPolicy(client))

	writeConfig(t, path, `
env: dev
brokerage:
  paper:
    baseURL: https://paper-api.test
    apiKey: foo
    apiSecret: bar
retry:
  maxRetries: 1
  baseDelay: 2s
  maxDelay: 1s
`)
	err = reloader.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxDelay")
	assert.Equal(t, gateway.DefaultRetryPolicy(), client.RetryPolicy())
	assert.True(t, reloader.GetLastReloadTime().IsZero())
}

func TestHotReloaderJoinsApplierErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, baseConfig)

	reloader, err := NewHotReloader(path, DefaultHotReloadConfig(), nil)
	require.NoError(t, err)
	defer reloader.Stop()

	applied := false
	reloader.RegisterApplier("broken", func(_ appConfig) error { return errors.New("boom") })
	reloader.RegisterApplier("after", func(_ appConfig) error { applied = true; return nil })

	err = reloader.Reload()
	require.Error(t, err)
	assert.EqualError(t, err, "apply broken: boom")
	assert.True(t, applied)
}

func TestHotReloaderCooldown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, baseConfig)

	reloader, err := NewHotReloader(path, HotReloadConfig{Enabled: true, CooldownTime: time.Minute}, nil)
	require.NoError(t, err)
	defer reloader.Stop()

	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	reloader.Now = func() time.Time { return now }
	calls := 0
	reloader.RegisterApplier("count", func(_ appConfig) error { calls++; return nil })

	reloader.handleConfigChange()
	reloader.handleConfigChange()
	assert.Equal(t, 1, calls)

	now = now.Add(time.Minute)
	reloader.handleConfigChange()
	assert.Equal(t, 2, calls)
}

func TestHotReloaderWatchesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, baseConfig)

	client := newClient(t)
	reloader, err := NewHotReloader(path, HotReloadConfig{Enabled: true}, nil)
	require.NoError(t, err)
	reloader.RegisterApplier("retry", ApplyRetryPolicy(client))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reloader.Start(ctx))

	// 同目录其它文件不触发
	writeConfig(t, filepath.Join(dir, "other.yaml"), "x: 1")
	writeConfig(t, path, updatedConfig)

	require.Eventually(t, func() bool {
		return client.RetryPolicy().MaxRetries == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, reloader.Stop())
}

func TestHotReloaderDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, baseConfig)

	reloader, err := NewHotReloader(path, HotReloadConfig{Enabled: false}, nil)
	require.NoError(t, err)
	require.NoError(t, reloader.Start(context.Background()))
	assert.NoError(t, reloader.Stop())
}
