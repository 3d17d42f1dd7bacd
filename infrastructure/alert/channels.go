package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"mirror-trader/gateway"
)

// LoggerChannel 把告警写入 zap 日志
type LoggerChannel struct {
	logger *zap.Logger
	name   string
}

// NewLoggerChannel 创建日志告警通道
func NewLoggerChannel(name string, logger *zap.Logger) *LoggerChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggerChannel{logger: logger, name: name}
}

// Send 按级别写日志
func (c *LoggerChannel) Send(_ context.Context, alert Alert) error {
	fields := make([]zap.Field, 0, len(alert.Fields)+3)
	fields = append(fields,
		zap.String("level", alert.Level),
		zap.String("key", alert.Key),
		zap.Time("alertTs", alert.Timestamp),
	)
	for k, v := range alert.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch alert.Level {
	case LevelError, LevelCritical:
		c.logger.Error("alert: "+alert.Message, fields...)
	case LevelWarning:
		c.logger.Warn("alert: "+alert.Message, fields...)
	default:
		c.logger.Info("alert: "+alert.Message, fields...)
	}
	return nil
}

// Name 返回通道名称
func (c *LoggerChannel) Name() string {
	return c.name
}

// WebhookChannel 以 JSON POST 推送告警，走重试传输层。
type WebhookChannel struct {
	name      string
	url       string
	transport gateway.RetryTransport
	policy    gateway.RetryPolicy
}

// NewWebhookChannel 创建 webhook 通道。client 为 nil 时使用默认 http.Client。
func NewWebhookChannel(name, url string, client gateway.Doer, policy gateway.RetryPolicy) *WebhookChannel {
	if client == nil {
		client = gateway.NewDefaultHTTPClient()
	}
	return &WebhookChannel{
		name:      name,
		url:       url,
		transport: gateway.RetryTransport{Client: client},
		policy:    policy,
	}
}

// Send 推送告警，非 2xx 视为失败
func (c *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.transport.Execute(ctx, req, c.policy)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gateway.NewHTTPError(resp)
	}
	resp.Body.Close()
	return nil
}

// Name 返回通道名称
func (c *WebhookChannel) Name() string {
	return c.name
}
