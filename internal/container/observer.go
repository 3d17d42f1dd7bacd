package container

import (
	"context"
	"errors"
	"time"

	"mirror-trader/gateway"
	"mirror-trader/infrastructure/alert"
	"mirror-trader/infrastructure/logger"
	"mirror-trader/infrastructure/monitor"
	"mirror-trader/internal/risk"
	"mirror-trader/order"
)

const alertTimeout = 10 * time.Second

// observer 把请求、订单、熔断和回报事件分发到日志、指标与告警。
type observer struct {
	logger   *logger.Logger
	monitor  *monitor.Monitor
	alerts   *alert.Manager
	registry *risk.Registry
	tracker  *order.Tracker

	// async 为 false 时同步发送告警（测试用）
	async bool
}

// ObserveRequest 实现 gateway.RequestObserver
func (o *observer) ObserveRequest(mode gateway.AccountMode, action string, elapsed time.Duration, err error) {
	kind := ""
	if err != nil {
		kind = gateway.KindOf(err).String()
	}
	o.monitor.RecordRequest(string(mode), action, elapsed.Seconds(), kind)
}

// ObserveRetry 实现 gateway.RequestObserver
func (o *observer) ObserveRetry(mode gateway.AccountMode, action string, ev gateway.RetryEvent) {
	o.monitor.RecordRetry(string(mode), action, ev.Status)
	o.logger.LogRetry(string(mode), action, ev.Attempt, ev.Delay, ev.Status, ev.Err)
}

// ObserveOrder 实现 order.Observer
func (o *observer) ObserveOrder(mode gateway.AccountMode, in order.Intent, res order.Result, elapsed time.Duration) {
	fields := map[string]interface{}{
		"side":      in.Side,
		"orderType": in.Type,
		"quantity":  in.Quantity,
		"elapsedMs": elapsed.Milliseconds(),
	}
	if res.OrderID != "" {
		fields["orderId"] = res.OrderID
	}
	if res.Error != "" {
		fields["error"] = res.Error
	}
	if in.SourceSignalID != "" {
		fields["sourceSignalId"] = in.SourceSignalID
	}
	o.logger.LogOrder(string(mode), res.Ticker, res.Success, res.Attempted, res.Kind.String(), fields)
	o.monitor.RecordOrderResult(string(mode), res.Success, res.Kind.String(), elapsed.Seconds())
}

// ObserveBatch 实现 order.Observer，有失败时发送告警。
func (o *observer) ObserveBatch(rec order.BatchRecord) {
	s := rec.Summary
	o.logger.LogBatch(rec.BatchID, string(rec.Mode), s.TotalRequested, s.Succeeded, s.Failed, map[string]interface{}{
		"elapsedMs": rec.Elapsed.Milliseconds(),
		"cancelled": rec.Cancelled,
	})
	o.monitor.RecordBatch(string(rec.Mode), s.Succeeded, s.Failed)
	if s.Failed == 0 || rec.Cancelled {
		return
	}
	o.alert(func(ctx context.Context) error {
		return o.alerts.SendWarning(ctx, "batch:"+string(rec.Mode), "batch had failed orders", map[string]interface{}{
			"batchId":   rec.BatchID,
			"mode":      string(rec.Mode),
			"failed":    s.Failed,
			"succeeded": s.Succeeded,
		})
	})
}

// breakerChanged 注册到 risk.Registry.OnStateChange
func (o *observer) breakerChanged(key risk.Key, from, to risk.State) {
	o.logger.LogBreaker(key.String(), from.String(), to.String())
	o.monitor.SetBreakerState(key.String(), int(to), to == risk.StateOpen)

	switch {
	case to == risk.StateOpen:
		o.alert(func(ctx context.Context) error {
			return o.alerts.SendError(ctx, "breaker:"+key.String(), "circuit opened for "+key.String(), map[string]interface{}{
				"from": from.String(),
			})
		})
	case to == risk.StateClosed && from != risk.StateClosed:
		o.alert(func(ctx context.Context) error {
			return o.alerts.SendAlert(ctx, alert.Alert{
				Level:   alert.LevelInfo,
				Key:     "breaker-recovered:" + key.String(),
				Message: "circuit closed for " + key.String(),
			})
		})
	}
}

// healthChecked 注册到 ConnectionMonitor.SetResultCallback
func (o *observer) healthChecked(key risk.Key, res risk.HealthCheckResult) {
	o.logger.LogHealthCheck(key.String(), res.Healthy, res.LatencyMs, res.Error)
	o.monitor.RecordHealthCheck(key.String(), res.Healthy, res.LatencyMs/1000)
}

// tradeStreamHooks 把回报流的连接状态计入 brokerage-stream 熔断键，回报推进订单跟踪。
func (o *observer) tradeStreamHooks(s *gateway.TradeStream) {
	key := risk.Key{Dependency: risk.DependencyBrokerageStream, Mode: s.Mode}
	mode := string(s.Mode)
	var connectedAt time.Time

	s.OnConnect = func() {
		connectedAt = time.Now()
		o.monitor.RecordStreamConnect(mode)
		o.registry.RecordOutcome(key, true, 0)
	}
	s.OnDisconnect = func(err error) {
		o.monitor.RecordStreamDisconnect(mode)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		var up time.Duration
		if !connectedAt.IsZero() {
			up = time.Since(connectedAt)
		}
		o.registry.RecordOutcome(key, false, 0)
		o.logger.LogError(err, map[string]interface{}{
			"action": "trade_stream",
			"mode":   mode,
			"uptime": up.String(),
		})
	}
	s.Handler = func(u gateway.TradeUpdate) {
		o.monitor.RecordTradeUpdate(mode, u.Event)
		fields := map[string]interface{}{
			"symbol": u.Order.Symbol,
			"status": u.Order.Status,
		}
		if u.Qty != "" {
			fields["qty"] = u.Qty
			fields["price"] = u.Price
		}
		if o.tracker != nil {
			if err := o.tracker.Apply(s.Mode, u); err != nil {
				fields["error"] = err.Error()
			}
		}
		o.logger.LogTradeUpdate(mode, u.Order.ID, u.Event, fields)
	}
}

func (o *observer) alert(send func(ctx context.Context) error) {
	if o.alerts == nil {
		return
	}
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			o.logger.LogError(err, map[string]interface{}{"action": "send_alert"})
		}
	}
	if o.async {
		go run()
		return
	}
	run()
}
