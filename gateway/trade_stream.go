package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/gorilla/websocket"
)

// TradeUpdate trade_updates 流中的一条订单事件（new/fill/partial_fill/canceled/rejected...）。
type TradeUpdate struct {
	Event     string    `json:"event"`
	Price     string    `json:"price,omitempty"`
	Qty       string    `json:"qty,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Order     OrderAck  `json:"order"`
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type streamStatus struct {
	Status  string   `json:"status"`
	Action  string   `json:"action"`
	Streams []string `json:"streams"`
}

// ErrStreamUnauthorized 认证被拒绝。
var ErrStreamUnauthorized = errors.New("trade stream: unauthorized")

// TradeStream 订阅经纪商 trade_updates WebSocket，断线后按退避策略自动重连。
type TradeStream struct {
	Mode      AccountMode
	URL       string
	APIKey    string
	APISecret string
	Dialer    *websocket.Dialer
	// Policy 控制重连等待；MaxRetries 在此处不生效，重连持续到 ctx 结束。
	Policy      RetryPolicy
	ReadTimeout time.Duration
	// PingInterval 心跳间隔，收到 pong 即顺延读超时；<=0 时取 ReadTimeout/2。
	PingInterval time.Duration
	// Rand 重连抖动的随机源，nil 时使用 math/rand/v2。
	Rand func() float64

	Handler      func(TradeUpdate)
	OnConnect    func()
	OnDisconnect func(error)
}

// NewTradeStream 用凭证构造 trade_updates 订阅。
func NewTradeStream(mode AccountMode, acct Credentials, policy RetryPolicy) *TradeStream {
	return &TradeStream{
		Mode:        mode,
		URL:         acct.StreamURL,
		APIKey:      acct.APIKey,
		APISecret:   acct.APISecret,
		Dialer:      websocket.DefaultDialer,
		Policy:       policy,
		ReadTimeout:  60 * time.Second,
		PingInterval: 20 * time.Second,
	}
}

// Run 阻塞运行直到 ctx 结束，返回 ctx.Err()。
func (s *TradeStream) Run(ctx context.Context) error {
	if s.URL == "" {
		return fmt.Errorf("trade stream %s: url not set", s.Mode)
	}
	policy := s.Policy
	if policy.Validate() != nil {
		policy = DefaultRetryPolicy()
	}
	attempt := 0
	for {
		connected, err := s.runOnce(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if s.OnDisconnect != nil {
			s.OnDisconnect(err)
		}
		if connected {
			attempt = 0
		}
		delay := Backoff(policy, attempt, s.random())
		if attempt < 16 {
			attempt++
		}
		if err := SleepContext(ctx, delay); err != nil {
			return err
		}
	}
}

// runOnce 建立一次连接并读取到出错为止；connected 表示是否完成了认证与订阅。
func (s *TradeStream) runOnce(ctx context.Context) (connected bool, err error) {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.URL, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := s.handshake(conn); err != nil {
		return false, err
	}
	s.keepalive(conn, done)
	if s.OnConnect != nil {
		s.OnConnect()
	}

	for {
		s.extendDeadline(conn)
		var env streamEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		if env.Stream != "trade_updates" {
			continue
		}
		var upd TradeUpdate
		if err := json.Unmarshal(env.Data, &upd); err != nil {
			continue
		}
		if s.Handler != nil {
			s.Handler(upd)
		}
	}
}

// keepalive 定时发送 ping，pong 到达时顺延读超时，安静的连接不会因超时被拆掉。
func (s *TradeStream) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	s.extendDeadline(conn)
	conn.SetPongHandler(func(string) error {
		s.extendDeadline(conn)
		return nil
	})
	interval := s.PingInterval
	if interval <= 0 {
		interval = s.ReadTimeout / 2
	}
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()
}

func (s *TradeStream) extendDeadline(conn *websocket.Conn) {
	if s.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}
}

func (s *TradeStream) random() float64 {
	if s.Rand != nil {
		return s.Rand()
	}
	return rand.Float64()
}

func (s *TradeStream) handshake(conn *websocket.Conn) error {
	auth := map[string]interface{}{
		"action": "auth",
		"key":    s.APIKey,
		"secret": s.APISecret,
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	st, err := readStatus(conn, "authorization")
	if err != nil {
		return err
	}
	if st.Status != "authorized" {
		return ErrStreamUnauthorized
	}

	listen := map[string]interface{}{
		"action": "listen",
		"data":   map[string][]string{"streams": {"trade_updates"}},
	}
	if err := conn.WriteJSON(listen); err != nil {
		return fmt.Errorf("send listen: %w", err)
	}
	if _, err := readStatus(conn, "listening"); err != nil {
		return err
	}
	return nil
}

func readStatus(conn *websocket.Conn, stream string) (streamStatus, error) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var env streamEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		return streamStatus{}, fmt.Errorf("await %s: %w", stream, err)
	}
	if env.Stream != stream {
		return streamStatus{}, fmt.Errorf("await %s: got stream %q", stream, env.Stream)
	}
	var st streamStatus
	if err := json.Unmarshal(env.Data, &st); err != nil {
		return streamStatus{}, fmt.Errorf("decode %s: %w", stream, err)
	}
	return st, nil
}
