package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mirror-trader/gateway"
)

// Prober 对某个依赖做一次轻量探测。
type Prober interface {
	Ping(ctx context.Context, mode gateway.AccountMode) error
}

// ProberFunc 适配普通函数
type ProberFunc func(ctx context.Context, mode gateway.AccountMode) error

func (f ProberFunc) Ping(ctx context.Context, mode gateway.AccountMode) error { return f(ctx, mode) }

// HealthCheckResult 一次健康检查的结果
type HealthCheckResult struct {
	Healthy   bool    `json:"healthy"`
	LatencyMs float64 `json:"latencyMs"`
	Error     string  `json:"error,omitempty"`
}

// MonitorConfig 连接监控配置
type MonitorConfig struct {
	// 后台探测间隔，<=0 时 Start 不启动循环
	Interval time.Duration
	// 单次探测超时
	Timeout time.Duration
}

// ConnectionMonitor 连接监控：手动/定时探测依赖并把结果喂给熔断器。
type ConnectionMonitor struct {
	config   MonitorConfig
	registry *Registry

	mu      sync.RWMutex
	probers map[string]Prober
	keys    []Key

	// 每次探测完成后回调（日志、指标）
	onResult func(Key, HealthCheckResult)

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	started  bool
}

// NewConnectionMonitor 创建连接监控
func NewConnectionMonitor(registry *Registry, config MonitorConfig) *ConnectionMonitor {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &ConnectionMonitor{
		config:   config,
		registry: registry,
		probers:  make(map[string]Prober),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// AddProbe 为依赖注册探测器，并把 (dep, mode) 加入定时探测列表。
func (m *ConnectionMonitor) AddProbe(dependency string, p Prober, modes ...gateway.AccountMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probers[dependency] = p
	for _, mode := range modes {
		m.keys = append(m.keys, Key{Dependency: dependency, Mode: mode})
	}
}

// SetResultCallback 设置探测结果回调
func (m *ConnectionMonitor) SetResultCallback(fn func(Key, HealthCheckResult)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResult = fn
}

// Keys 返回定时探测的键
func (m *ConnectionMonitor) Keys() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Key(nil), m.keys...)
}

// Registry 返回底层熔断器表
func (m *ConnectionMonitor) Registry() *Registry {
	return m.registry
}

// RunHealthCheck 无视熔断状态执行一次探测，并把结果计入熔断器。
// 调用方取消时结果不计入。
func (m *ConnectionMonitor) RunHealthCheck(ctx context.Context, key Key) HealthCheckResult {
	m.mu.RLock()
	p, ok := m.probers[key.Dependency]
	onResult := m.onResult
	m.mu.RUnlock()
	if !ok {
		return HealthCheckResult{Error: fmt.Sprintf("no probe registered for %s", key.Dependency)}
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(probeCtx, key.Mode)
	latency := time.Since(start)

	res := HealthCheckResult{
		Healthy:   err == nil,
		LatencyMs: float64(latency.Microseconds()) / 1000,
	}
	if err != nil {
		res.Error = err.Error()
	}
	if ctx.Err() != nil {
		res.Healthy = false
		res.Error = (&gateway.CancellationError{Err: ctx.Err()}).Error()
	} else {
		m.registry.RecordOutcome(key, res.Healthy, latency)
	}
	if onResult != nil {
		onResult(key, res)
	}
	return res
}

// Start 启动定时探测
func (m *ConnectionMonitor) Start(ctx context.Context) error {
	if m.config.Interval <= 0 {
		return nil
	}
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("connection monitor already started")
	}
	m.started = true
	m.mu.Unlock()

	go m.monitorLoop(ctx)
	return nil
}

// Stop 停止定时探测
func (m *ConnectionMonitor) Stop() error {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return nil
	}
	m.stopOnce.Do(func() { close(m.stopChan) })

	select {
	case <-m.doneChan:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for connection monitor to stop")
	}
}

func (m *ConnectionMonitor) monitorLoop(ctx context.Context) {
	defer close(m.doneChan)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *ConnectionMonitor) checkAll(ctx context.Context) {
	for _, key := range m.Keys() {
		if ctx.Err() != nil {
			return
		}
		m.RunHealthCheck(ctx, key)
	}
}
