package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrorKind 是经纪商调用失败的封闭分类，调用方用 switch 穷举处理。
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindNetwork
	KindHTTP
	KindCancelled
	KindValidation
	KindCircuitOpen
	KindRetryExhausted
	KindUnknown
)

// String 返回分类名称
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNetwork:
		return "network"
	case KindHTTP:
		return "http"
	case KindCancelled:
		return "cancelled"
	case KindValidation:
		return "validation"
	case KindCircuitOpen:
		return "circuit_open"
	case KindRetryExhausted:
		return "retry_exhausted"
	default:
		return "unknown"
	}
}

// MarshalText 让 JSON 输出可读的分类名
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText 解析 MarshalText 的输出，未知名称归为 KindUnknown。
func (k *ErrorKind) UnmarshalText(b []byte) error {
	for c := KindNone; c <= KindUnknown; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	*k = KindUnknown
	return nil
}

// ErrCircuitOpen 熔断器拒绝调用（未发出网络请求）。
var ErrCircuitOpen = errors.New("circuit open")

// NetworkError 网络层失败（连接拒绝、超时、读写错误），可重试。
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError 经纪商返回的非 2xx 响应。
type HTTPError struct {
	Status  int
	Code    int    // 经纪商业务错误码（若有）
	Message string // 经纪商错误消息（若有）
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d", e.Status)
}

// CancellationError 调用方主动取消；永不重试，也不计入熔断统计。
type CancellationError struct {
	Err error
}

func (e *CancellationError) Error() string {
	if e.Err == nil {
		return "cancelled"
	}
	return fmt.Sprintf("cancelled: %v", e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }

// ValidationError 本地校验失败，发生在任何网络活动之前。
// Index 为出错订单在批次中的下标，批次级错误为 -1。
type ValidationError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: intent[%d].%s %s", e.Index, e.Field, e.Reason)
}

// RetryExhaustedError 所有尝试均以可重试错误结束。
// Attempts 包含首次尝试，Status 为最后一次响应码（纯网络失败时为 0）。
type RetryExhaustedError struct {
	Status   int
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("retries exhausted after %d attempts (last status %d)", e.Attempts, e.Status)
	}
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }

// KindOf 把任意错误归入封闭分类。
// 顺序有意义：RetryExhaustedError 包裹了 NetworkError/HTTPError，需先匹配；
// 裸 context 错误放最后，避免把 http.Client 超时（也匹配 DeadlineExceeded）误判为取消。
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var (
		cancelled *CancellationError
		exhausted *RetryExhaustedError
		validErr  *ValidationError
		httpErr   *HTTPError
		netErr    *NetworkError
	)
	switch {
	case errors.As(err, &cancelled):
		return KindCancelled
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.As(err, &validErr):
		return KindValidation
	case errors.As(err, &exhausted):
		return KindRetryExhausted
	case errors.As(err, &httpErr):
		return KindHTTP
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindUnknown
	}
}

// brokerErrorBody 经纪商错误响应体 {"code":40010001,"message":"..."}
type brokerErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewHTTPError 读取并关闭响应体，解析经纪商错误信息。
func NewHTTPError(resp *http.Response) *HTTPError {
	herr := &HTTPError{Status: resp.StatusCode}
	if resp.Body == nil {
		return herr
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return herr
	}
	var body brokerErrorBody
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		herr.Code = body.Code
		herr.Message = body.Message
		return herr
	}
	herr.Message = strings.TrimSpace(string(raw))
	return herr
}

const maxErrorBody = 4 << 10
