package risk

import (
	"sort"
	"sync"
	"time"

	"mirror-trader/gateway"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态 - 正常调用
	StateClosed State = iota
	// StateOpen 打开状态 - 冷却期内拒绝所有调用
	StateOpen
	// StateHalfOpen 半开状态 - 仅放行一次试探调用
	StateHalfOpen
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText 供 JSON 输出使用。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Key 熔断器键：依赖名 × 账户模式。
type Key struct {
	Dependency string
	Mode       gateway.AccountMode
}

func (k Key) String() string {
	return k.Dependency + "/" + string(k.Mode)
}

// 已知依赖
const (
	DependencyBrokerage       = "brokerage"
	DependencyBrokerageStream = "brokerage-stream"
)

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	Threshold  int           // 连续失败多少次后打开
	Cooldown   time.Duration // 打开后等待多久进入半开
	WindowSize int           // 健康统计保留的最近样本数
	WindowAge  time.Duration // 健康统计样本的最长保留时间
}

// DefaultCircuitBreakerConfig 默认：5 次 / 30s / 100 个样本 / 15 分钟。
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Threshold:  5,
		Cooldown:   30 * time.Second,
		WindowSize: 100,
		WindowAge:  15 * time.Minute,
	}
}

func (c CircuitBreakerConfig) normalize() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.WindowAge <= 0 {
		c.WindowAge = def.WindowAge
	}
	return c
}

// BreakerStatus 某个键的只读快照，用于展示。
type BreakerStatus struct {
	Key                 string        `json:"key"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastSuccessAt       time.Time     `json:"lastSuccessAt,omitempty"`
	LastFailureAt       time.Time     `json:"lastFailureAt,omitempty"`
	TrialInFlight       bool          `json:"trialInFlight"`
	CooldownRemaining   time.Duration `json:"cooldownRemaining"`
}

// HealthStats 窗口内的健康统计。
type HealthStats struct {
	Samples    int           `json:"samples"`
	Healthy    int           `json:"healthy"`
	HealthRate float64       `json:"healthRate"`
	AvgLatency time.Duration `json:"avgLatency"`
}

// StateChangeFunc 状态变化回调，在锁外调用。
type StateChangeFunc func(key Key, from, to State)

type sample struct {
	at      time.Time
	healthy bool
	latency time.Duration
}

type breaker struct {
	state           State
	consecutiveFail int
	lastSuccess     time.Time
	lastFailure     time.Time
	trial           bool // 半开试探是否已被占用
	samples         []sample
	next            int // samples 环形写指针
}

type transition struct {
	key      Key
	from, to State
}

// Registry 进程级熔断器表，按 Key 懒创建。所有状态修改都经由
// BeforeCall / RecordOutcome / Abandon。
type Registry struct {
	mu        sync.Mutex
	cfg       CircuitBreakerConfig
	entries   map[Key]*breaker
	listeners []StateChangeFunc

	// Now 可在测试中替换
	Now func() time.Time
}

// NewRegistry 创建熔断器表
func NewRegistry(cfg CircuitBreakerConfig) *Registry {
	return &Registry{
		cfg:     cfg.normalize(),
		entries: make(map[Key]*breaker),
		Now:     time.Now,
	}
}

// Config 返回当前配置
func (r *Registry) Config() CircuitBreakerConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// SetConfig 热更新配置。已打开的熔断器按新冷却时间计算。
func (r *Registry) SetConfig(cfg CircuitBreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg.normalize()
	for _, b := range r.entries {
		ordered := b.orderedSamples()
		if len(ordered) > r.cfg.WindowSize {
			ordered = ordered[len(ordered)-r.cfg.WindowSize:]
		}
		b.samples = ordered
		b.next = 0
	}
}

// OnStateChange 注册状态变化回调
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) entry(key Key) *breaker {
	b, ok := r.entries[key]
	if !ok {
		b = &breaker{state: StateClosed}
		r.entries[key] = b
	}
	return b
}

// BeforeCall 判断是否允许调用。冷却结束后只有第一个调用者拿到半开试探资格。
func (r *Registry) BeforeCall(key Key) bool {
	var tr *transition
	allowed := func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()

		b := r.entry(key)
		switch b.state {
		case StateClosed:
			return true
		case StateOpen:
			if r.Now().Sub(b.lastFailure) < r.cfg.Cooldown {
				return false
			}
			b.state = StateHalfOpen
			b.trial = true
			tr = &transition{key, StateOpen, StateHalfOpen}
			return true
		case StateHalfOpen:
			if b.trial {
				return false
			}
			b.trial = true
			return true
		default:
			return false
		}
	}()
	if tr != nil {
		r.notify(*tr)
	}
	return allowed
}

// RecordOutcome 记录一次调用结果并推进状态机。
// 打开状态下收到的结果（例如手动探测）同样生效：成功直接关闭，失败刷新冷却。
func (r *Registry) RecordOutcome(key Key, success bool, latency time.Duration) {
	var tr *transition
	func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		now := r.Now()
		b := r.entry(key)
		b.push(sample{at: now, healthy: success, latency: latency}, r.cfg.WindowSize)

		from := b.state
		if success {
			b.consecutiveFail = 0
			b.lastSuccess = now
			b.state = StateClosed
		} else {
			b.consecutiveFail++
			b.lastFailure = now
			switch b.state {
			case StateClosed:
				if b.consecutiveFail >= r.cfg.Threshold {
					b.state = StateOpen
				}
			case StateHalfOpen:
				b.state = StateOpen
			}
		}
		// 记录后不会停留在半开
		b.trial = false
		if from != b.state {
			tr = &transition{key, from, b.state}
		}
	}()
	if tr != nil {
		r.notify(*tr)
	}
}

// Abandon 释放半开试探资格而不记录结果（调用被取消时使用）。
func (r *Registry) Abandon(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.entries[key]; ok && b.state == StateHalfOpen {
		b.trial = false
	}
}

// Status 只读快照，不会触发状态迁移。
func (r *Registry) Status(key Key) BreakerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := BreakerStatus{Key: key.String(), State: StateClosed}
	b, ok := r.entries[key]
	if !ok {
		return st
	}
	st.State = b.state
	st.ConsecutiveFailures = b.consecutiveFail
	st.LastSuccessAt = b.lastSuccess
	st.LastFailureAt = b.lastFailure
	st.TrialInFlight = b.trial
	if b.state == StateOpen {
		if remaining := r.cfg.Cooldown - r.Now().Sub(b.lastFailure); remaining > 0 {
			st.CooldownRemaining = remaining
		}
	}
	return st
}

// Stats 计算窗口内的健康率和平均延迟（仅统计健康样本）。
func (r *Registry) Stats(key Key) HealthStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hs HealthStats
	b, ok := r.entries[key]
	if !ok {
		return hs
	}
	cutoff := r.Now().Add(-r.cfg.WindowAge)
	var total time.Duration
	for _, s := range b.samples {
		if s.at.Before(cutoff) {
			continue
		}
		hs.Samples++
		if s.healthy {
			hs.Healthy++
			total += s.latency
		}
	}
	if hs.Samples > 0 {
		hs.HealthRate = float64(hs.Healthy) / float64(hs.Samples)
	}
	if hs.Healthy > 0 {
		hs.AvgLatency = total / time.Duration(hs.Healthy)
	}
	return hs
}

// Keys 返回已出现过的键（按字符串排序）。
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Reset 清除单个键的状态（谨慎使用）
func (r *Registry) Reset(key Key) {
	var tr *transition
	func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if b, ok := r.entries[key]; ok {
			if b.state != StateClosed {
				tr = &transition{key, b.state, StateClosed}
			}
			delete(r.entries, key)
		}
	}()
	if tr != nil {
		r.notify(*tr)
	}
}

// ResetAll 清空所有键
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[Key]*breaker)
}

func (r *Registry) notify(tr transition) {
	r.mu.Lock()
	listeners := append([]StateChangeFunc(nil), r.listeners...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(tr.key, tr.from, tr.to)
	}
}

func (b *breaker) push(s sample, size int) {
	if len(b.samples) < size {
		b.samples = append(b.samples, s)
		return
	}
	b.samples[b.next%len(b.samples)] = s
	b.next = (b.next + 1) % len(b.samples)
}

// orderedSamples 按写入顺序返回样本
func (b *breaker) orderedSamples() []sample {
	if len(b.samples) == 0 {
		return nil
	}
	out := make([]sample, 0, len(b.samples))
	n := b.next % len(b.samples)
	out = append(out, b.samples[n:]...)
	out = append(out, b.samples[:n]...)
	return out
}
