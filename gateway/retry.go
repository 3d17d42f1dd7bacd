package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"time"
)

// JitterFraction 对称抖动幅度（±25%），避免并发调用方同步重试。
const JitterFraction = 0.25

// RetryPolicy 单个调用点的重试策略，按值传递，构造后不再修改。
type RetryPolicy struct {
	MaxRetries int           // 首次尝试之后的重试次数
	BaseDelay  time.Duration // 第 0 次重试前的基础等待
	MaxDelay   time.Duration // 抖动前的等待上限
}

// DefaultRetryPolicy 返回默认策略：3 次重试，1s 起步，30s 封顶。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Validate 检查策略不变量。
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("retry: maxRetries must be >= 0")
	}
	if p.BaseDelay <= 0 {
		return errors.New("retry: baseDelay must be > 0")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry: maxDelay %v must be >= baseDelay %v", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// Backoff 计算第 attempt 次尝试失败后的等待时间。
// r 取自 [0,1)，映射为 [-1,1) 的均匀抖动；r=0.5 即期望值。
func Backoff(p RetryPolicy, attempt int, r float64) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	delay += delay * JitterFraction * (2*r - 1)
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Outcome 单次尝试的响应分类。
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeNonRetryable
)

// ClassifyStatus 按 HTTP 状态码判断是否可重试。
func ClassifyStatus(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return OutcomeNonRetryable
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return OutcomeRetryable
	case status >= 400 && status < 500:
		return OutcomeNonRetryable
	case status >= 500 && status < 600:
		return OutcomeRetryable
	default:
		return OutcomeNonRetryable
	}
}

// RetryEvent 每次决定重试时通知观察者。Attempt 从 1 开始计数重试次数。
type RetryEvent struct {
	Attempt int
	Status  int // 0 表示网络层失败
	Err     error
	Delay   time.Duration
}

// Doer 执行一次 HTTP 调用，*http.Client 满足该接口，测试可注入 httptest。
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// RetryTransport 在单次逻辑请求外包装指数退避重试。
// 实例本身无可变状态，可被多个 goroutine 并发使用。
type RetryTransport struct {
	Client  Doer
	OnRetry func(RetryEvent)
	// Rand 返回 [0,1) 的随机数；nil 时使用 math/rand/v2。
	Rand func() float64
	// Sleep 可中断等待；nil 时使用基于 timer 的实现。
	Sleep func(ctx context.Context, d time.Duration) error
}

// Execute 执行 req，必要时重试。
//   - 2xx 与不可重试状态码原样返回响应，由调用方解释并关闭 Body；
//   - 调用方取消立即返回 *CancellationError，不再重试；
//   - 重试耗尽返回 *RetryExhaustedError，Attempts = MaxRetries+1。
func (t *RetryTransport) Execute(ctx context.Context, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if t == nil || t.Client == nil {
		return nil, fmt.Errorf("http client not set")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.MaxRetries > 0 && req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, fmt.Errorf("retry: request body for %s %s is not replayable", req.Method, req.URL.Path)
	}

	op := req.Method + " " + req.URL.Path
	var (
		lastErr    error
		lastStatus int
	)
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &CancellationError{Err: err}
		}
		attemptReq, err := cloneRequest(ctx, req)
		if err != nil {
			return nil, err
		}

		resp, err := t.Client.Do(attemptReq)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, &CancellationError{Err: ctxErr}
			}
			lastStatus = 0
			lastErr = &NetworkError{Op: op, Err: err}
		} else {
			if ClassifyStatus(resp.StatusCode) != OutcomeRetryable {
				return resp, nil
			}
			lastStatus = resp.StatusCode
			lastErr = NewHTTPError(resp)
		}

		if attempt == policy.MaxRetries {
			break
		}
		delay := Backoff(policy, attempt, t.random())
		if t.OnRetry != nil {
			t.OnRetry(RetryEvent{Attempt: attempt + 1, Status: lastStatus, Err: lastErr, Delay: delay})
		}
		if err := t.sleep(ctx, delay); err != nil {
			return nil, &CancellationError{Err: err}
		}
	}
	return nil, &RetryExhaustedError{
		Status:   lastStatus,
		Attempts: policy.MaxRetries + 1,
		LastErr:  lastErr,
	}
}

func (t *RetryTransport) random() float64 {
	if t.Rand != nil {
		return t.Rand()
	}
	return rand.Float64()
}

func (t *RetryTransport) sleep(ctx context.Context, d time.Duration) error {
	if t.Sleep != nil {
		return t.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext 等待 d 或直到 ctx 结束。
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// cloneRequest 为每次尝试生成绑定 ctx 的新请求，Body 通过 GetBody 重建。
func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	r := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody || req.GetBody == nil {
		return r, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("retry: rebuild request body: %w", err)
	}
	r.Body = body
	return r, nil
}
