package monitor

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 经纪商请求
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	retries  *prometheus.CounterVec

	// 熔断器
	breakerState *prometheus.GaugeVec
	breakerTrips *prometheus.CounterVec

	// 健康检查
	healthChecks  *prometheus.CounterVec
	healthLatency *prometheus.HistogramVec

	// 订单
	orderResults *prometheus.CounterVec
	orderLatency *prometheus.HistogramVec
	batches      *prometheus.CounterVec

	// 成交回报流
	streamConnects    *prometheus.CounterVec
	streamDisconnects *prometheus.CounterVec
	tradeUpdates      *prometheus.CounterVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "mirror",
		Subsystem: "brokerage",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, labels)
	}

	return &Monitor{
		registry: reg,

		requests: counter("requests_total", "经纪商逻辑请求总数", "mode", "action"),
		errors:   counter("request_errors_total", "经纪商请求失败数（按错误分类）", "mode", "action", "kind"),
		latency:  histogram("request_latency_seconds", "经纪商请求耗时（含重试）", prometheus.DefBuckets, "mode", "action"),
		retries:  counter("retries_total", "重试次数", "mode", "action", "status"),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "breaker_state",
			Help:      "熔断器状态(0=closed,1=open,2=half-open)",
		}, []string{"key"}),
		breakerTrips: counter("breaker_trips_total", "熔断器打开次数", "key"),

		healthChecks:  counter("health_checks_total", "健康检查次数", "key", "healthy"),
		healthLatency: histogram("health_check_latency_seconds", "健康检查耗时", prometheus.DefBuckets, "key"),

		orderResults: counter("order_results_total", "订单结果", "mode", "success", "kind"),
		orderLatency: histogram("order_latency_seconds", "单条订单处理耗时",
			[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}, "mode"),
		batches: counter("batches_total", "批次数", "mode", "outcome"),

		streamConnects:    counter("stream_connects_total", "成交回报流连接次数", "mode"),
		streamDisconnects: counter("stream_disconnects_total", "成交回报流断开次数", "mode"),
		tradeUpdates:      counter("trade_updates_total", "成交回报事件数", "mode", "event"),
	}
}

// RecordRequest 记录一次逻辑请求；kind 为空表示成功。
func (m *Monitor) RecordRequest(mode, action string, seconds float64, kind string) {
	m.requests.WithLabelValues(mode, action).Inc()
	m.latency.WithLabelValues(mode, action).Observe(seconds)
	if kind != "" {
		m.errors.WithLabelValues(mode, action, kind).Inc()
	}
}

// RecordRetry status 为 0 表示网络错误
func (m *Monitor) RecordRetry(mode, action string, status int) {
	label := "network"
	if status != 0 {
		label = strconv.Itoa(status)
	}
	m.retries.WithLabelValues(mode, action, label).Inc()
}

// SetBreakerState 更新熔断器状态，进入 open 时计一次熔断。
func (m *Monitor) SetBreakerState(key string, state int, tripped bool) {
	m.breakerState.WithLabelValues(key).Set(float64(state))
	if tripped {
		m.breakerTrips.WithLabelValues(key).Inc()
	}
}

func (m *Monitor) RecordHealthCheck(key string, healthy bool, seconds float64) {
	m.healthChecks.WithLabelValues(key, strconv.FormatBool(healthy)).Inc()
	if healthy {
		m.healthLatency.WithLabelValues(key).Observe(seconds)
	}
}

func (m *Monitor) RecordOrderResult(mode string, success bool, kind string, seconds float64) {
	m.orderResults.WithLabelValues(mode, strconv.FormatBool(success), kind).Inc()
	m.orderLatency.WithLabelValues(mode).Observe(seconds)
}

// RecordBatch outcome: complete / partial / failed
func (m *Monitor) RecordBatch(mode string, succeeded, failed int) {
	outcome := "complete"
	switch {
	case failed > 0 && succeeded == 0:
		outcome = "failed"
	case failed > 0:
		outcome = "partial"
	}
	m.batches.WithLabelValues(mode, outcome).Inc()
}

func (m *Monitor) RecordStreamConnect(mode string) {
	m.streamConnects.WithLabelValues(mode).Inc()
}

func (m *Monitor) RecordStreamDisconnect(mode string) {
	m.streamDisconnects.WithLabelValues(mode).Inc()
}

func (m *Monitor) RecordTradeUpdate(mode, event string) {
	m.tradeUpdates.WithLabelValues(mode, event).Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
