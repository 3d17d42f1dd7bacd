package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountMode 经纪商账户模式：模拟盘或实盘，协议相同，仅端点与凭证不同。
type AccountMode string

const (
	ModePaper AccountMode = "paper"
	ModeLive  AccountMode = "live"
)

// ParseAccountMode 解析 "paper"/"live"（大小写不敏感）。
func ParseAccountMode(s string) (AccountMode, error) {
	switch AccountMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePaper:
		return ModePaper, nil
	case ModeLive:
		return ModeLive, nil
	default:
		return "", fmt.Errorf("unknown account mode %q", s)
	}
}

// Credentials 单个账户模式的端点与凭证。
type Credentials struct {
	BaseURL   string
	StreamURL string
	APIKey    string
	APISecret string
}

// RequestObserver 观察每次逻辑请求与重试，用于日志和指标。
type RequestObserver interface {
	ObserveRequest(mode AccountMode, action string, elapsed time.Duration, err error)
	ObserveRetry(mode AccountMode, action string, ev RetryEvent)
}

// BrokerageConfig 构造 BrokerageClient 所需参数。
type BrokerageConfig struct {
	Accounts      map[AccountMode]Credentials
	HTTPClient    Doer
	Policy        RetryPolicy
	RatePerSecond float64
	Burst         int
	Observer      RequestObserver
	// Sleep/Rand 透传给 RetryTransport，测试时注入。
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

// BrokerageClient 经纪商 REST 客户端，所有调用经过限流与重试。
type BrokerageClient struct {
	accounts  map[AccountMode]Credentials
	limiters  map[AccountMode]RateLimiter
	transport RetryTransport
	policy    atomic.Pointer[RetryPolicy]
	observer  RequestObserver
	// NewClientOrderID 生成幂等下单 ID，重试时复用同一 ID。
	NewClientOrderID func() string
}

// NewBrokerageClient 校验配置并构造客户端。
func NewBrokerageClient(cfg BrokerageConfig) (*BrokerageClient, error) {
	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("brokerage: no accounts configured")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = NewDefaultHTTPClient()
	}
	c := &BrokerageClient{
		accounts: make(map[AccountMode]Credentials, len(cfg.Accounts)),
		limiters: make(map[AccountMode]RateLimiter, len(cfg.Accounts)),
		transport: RetryTransport{
			Client: httpClient,
			Sleep:  cfg.Sleep,
			Rand:   cfg.Rand,
		},
		observer:         cfg.Observer,
		NewClientOrderID: uuid.NewString,
	}
	for mode, acct := range cfg.Accounts {
		if acct.BaseURL == "" {
			return nil, fmt.Errorf("brokerage: %s baseURL is required", mode)
		}
		acct.BaseURL = strings.TrimRight(acct.BaseURL, "/")
		c.accounts[mode] = acct
		c.limiters[mode] = NewTokenBucketLimiter(cfg.RatePerSecond, cfg.Burst)
	}
	policy := cfg.Policy
	c.policy.Store(&policy)
	return c, nil
}

// RetryPolicy 返回当前生效的重试策略。
func (c *BrokerageClient) RetryPolicy() RetryPolicy {
	return *c.policy.Load()
}

// SetRetryPolicy 热更新重试策略，进行中的调用继续使用旧值。
func (c *BrokerageClient) SetRetryPolicy(p RetryPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.policy.Store(&p)
	return nil
}

// Modes 返回已配置的账户模式。
func (c *BrokerageClient) Modes() []AccountMode {
	modes := make([]AccountMode, 0, len(c.accounts))
	for _, m := range []AccountMode{ModePaper, ModeLive} {
		if _, ok := c.accounts[m]; ok {
			modes = append(modes, m)
		}
	}
	return modes
}

// Credentials 返回模式对应的端点配置。
func (c *BrokerageClient) Credentials(mode AccountMode) (Credentials, bool) {
	acct, ok := c.accounts[mode]
	return acct, ok
}

// OrderRequest 下单参数。Side: buy/sell，Type: market/limit。
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Qty           float64
	LimitPrice    float64 // 仅 limit 单
	TimeInForce   string  // 默认 day
	ClientOrderID string  // 为空时自动生成
}

type orderPayload struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	ClientOrderID string `json:"client_order_id"`
}

// OrderAck 经纪商受理回执。
type OrderAck struct {
	ID            string `json:"id"`
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
}

// PlaceOrder 调用 POST /v2/orders。非 2xx 返回 *HTTPError。
func (c *BrokerageClient) PlaceOrder(ctx context.Context, mode AccountMode, req OrderRequest) (OrderAck, error) {
	acct, err := c.account(mode)
	if err != nil {
		return OrderAck{}, err
	}
	qty, err := decimalString("qty", req.Qty)
	if err != nil {
		return OrderAck{}, err
	}
	payload := orderPayload{
		Symbol:        strings.ToUpper(req.Symbol),
		Qty:           qty,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientOrderID,
	}
	if payload.TimeInForce == "" {
		payload.TimeInForce = "day"
	}
	if req.Type == "limit" {
		if payload.LimitPrice, err = decimalString("limitPrice", req.LimitPrice); err != nil {
			return OrderAck{}, err
		}
	}
	if payload.ClientOrderID == "" {
		payload.ClientOrderID = c.NewClientOrderID()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return OrderAck{}, fmt.Errorf("encode order: %w", err)
	}

	var ack OrderAck
	err = c.call(ctx, mode, acct, "place_order", http.MethodPost, "/v2/orders", body, &ack)
	if err != nil {
		return OrderAck{}, err
	}
	// 2xx 即已受理；缺少 id 时以 ClientOrderID 标识，由回报补齐。
	if ack.ClientOrderID == "" {
		ack.ClientOrderID = payload.ClientOrderID
	}
	if ack.Status == "" {
		ack.Status = "accepted"
	}
	return ack, nil
}

// decimalString 拒绝 NaN/Inf，decimal.NewFromFloat 遇到它们会 panic。
func decimalString(field string, v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", &ValidationError{Index: -1, Field: field, Reason: fmt.Sprintf("must be finite, got %v", v)}
	}
	return decimal.NewFromFloat(v).String(), nil
}

// AccountInfo GET /v2/account 的子集。
type AccountInfo struct {
	ID             string `json:"id"`
	AccountNumber  string `json:"account_number"`
	Status         string `json:"status"`
	Currency       string `json:"currency"`
	BuyingPower    string `json:"buying_power"`
	TradingBlocked bool   `json:"trading_blocked"`
}

// Account 查询账户信息。
func (c *BrokerageClient) Account(ctx context.Context, mode AccountMode) (AccountInfo, error) {
	acct, err := c.account(mode)
	if err != nil {
		return AccountInfo{}, err
	}
	var info AccountInfo
	if err := c.call(ctx, mode, acct, "account", http.MethodGet, "/v2/account", nil, &info); err != nil {
		return AccountInfo{}, err
	}
	return info, nil
}

// Ping 轻量健康探测，即 GET /v2/account。
func (c *BrokerageClient) Ping(ctx context.Context, mode AccountMode) error {
	_, err := c.Account(ctx, mode)
	return err
}

func (c *BrokerageClient) account(mode AccountMode) (Credentials, error) {
	acct, ok := c.accounts[mode]
	if !ok {
		return Credentials{}, fmt.Errorf("brokerage: account mode %q not configured", mode)
	}
	return acct, nil
}

// call 限流 + 重试执行一次逻辑请求，并把 2xx 响应解码到 out。
func (c *BrokerageClient) call(ctx context.Context, mode AccountMode, acct Credentials, action, method, path string, body []byte, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveRequest(mode, action, time.Since(start), err)
		}
	}()

	if err := c.limiters[mode].Wait(ctx); err != nil {
		return &CancellationError{Err: err}
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, acct.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", acct.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", acct.APISecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	tr := c.transport
	if c.observer != nil {
		tr.OnRetry = func(ev RetryEvent) { c.observer.ObserveRetry(mode, action, ev) }
	}
	resp, err := tr.Execute(ctx, req, c.RetryPolicy())
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewHTTPError(resp)
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", action, err)
	}
	return nil
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
