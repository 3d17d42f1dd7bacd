package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter 控制请求速率，避免触发经纪商限流（429）。
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// TokenBucketLimiter 令牌桶限流，底层为 rate.Limiter。
type TokenBucketLimiter struct {
	limiter *rate.Limiter
}

// NewTokenBucketLimiter rate<=0 表示不限流。
func NewTokenBucketLimiter(perSecond float64, burst int) *TokenBucketLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// Wait 取一个令牌；ctx 结束或在截止时间前拿不到令牌时返回错误。
func (l *TokenBucketLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}
