package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	appconfig "mirror-trader/config"
	"mirror-trader/gateway"
	"mirror-trader/internal/risk"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免频繁更新
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: 5 * time.Second,
	}
}

// Applier 把新配置应用到运行中的组件
type Applier func(cfg appconfig.AppConfig) error

// RetryPolicySetter 由 gateway.BrokerageClient 实现
type RetryPolicySetter interface {
	SetRetryPolicy(p gateway.RetryPolicy) error
}

// BreakerConfigSetter 由 risk.Registry 实现
type BreakerConfigSetter interface {
	SetConfig(cfg risk.CircuitBreakerConfig)
}

// ApplyRetryPolicy 重载时更新重试策略
func ApplyRetryPolicy(target RetryPolicySetter) Applier {
	return func(cfg appconfig.AppConfig) error {
		return target.SetRetryPolicy(cfg.RetryPolicy())
	}
}

// ApplyBreakerConfig 重载时更新熔断参数
func ApplyBreakerConfig(target BreakerConfigSetter) Applier {
	return func(cfg appconfig.AppConfig) error {
		target.SetConfig(cfg.BreakerConfig())
		return nil
	}
}

type namedApplier struct {
	name string
	fn   Applier
}

// HotReloader 配置热更新器。监听配置文件所在目录，兼容编辑器先写临时文件再 rename 的保存方式。
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	watcher    *fsnotify.Watcher
	logger     *zap.Logger

	mu         sync.RWMutex
	appliers   []namedApplier
	lastReload time.Time

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	started  bool

	// Load 读取配置，测试中可替换
	Load func(path string) (appconfig.AppConfig, error)
	Now  func() time.Time
}

// NewHotReloader 创建热更新器
func NewHotReloader(configPath string, cfg HotReloadConfig, logger *zap.Logger) (*HotReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HotReloader{
		config:     cfg,
		configPath: filepath.Clean(configPath),
		watcher:    watcher,
		logger:     logger,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
		Load:       appconfig.LoadWithEnvOverrides,
		Now:        time.Now,
	}, nil
}

// RegisterApplier 注册参数应用器，按注册顺序执行
func (h *HotReloader) RegisterApplier(name string, fn Applier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appliers = append(h.appliers, namedApplier{name: name, fn: fn})
}

// Start 启动热更新监听
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		return nil
	}

	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	go h.watch(ctx)

	return nil
}

// Stop 停止热更新
func (h *HotReloader) Stop() error {
	h.stopOnce.Do(func() { close(h.stopChan) })

	h.mu.RLock()
	started := h.started
	h.mu.RUnlock()
	if started {
		select {
		case <-h.doneChan:
		case <-time.After(time.Second):
		}
	}
	return h.watcher.Close()
}

// watch 监听文件变化
func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != h.configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				h.handleConfigChange()
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			// 记录错误但继续监听
			h.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// handleConfigChange 冷却期内的变化直接忽略
func (h *HotReloader) handleConfigChange() {
	h.mu.RLock()
	last := h.lastReload
	h.mu.RUnlock()
	if !last.IsZero() && h.Now().Sub(last) < h.config.CooldownTime {
		return
	}
	if err := h.Reload(); err != nil {
		h.logger.Error("config reload failed", zap.String("path", h.configPath), zap.Error(err))
		return
	}
	h.logger.Info("config reloaded", zap.String("path", h.configPath))
}

// Reload 读取并校验配置，再依次应用。校验失败时不改动任何组件。
func (h *HotReloader) Reload() error {
	cfg, err := h.Load(h.configPath)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for _, a := range h.appliers {
		if err := a.fn(cfg); err != nil {
			errs = append(errs, fmt.Errorf("apply %s: %w", a.name, err))
		}
	}
	h.lastReload = h.Now()
	return errors.Join(errs...)
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastReload
}
