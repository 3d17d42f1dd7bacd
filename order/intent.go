package order

import (
	"math"
	"strings"

	"mirror-trader/gateway"
)

// 方向与订单类型（与经纪商 API 取值一致）
const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeMarket = "market"
	TypeLimit  = "limit"
)

// Intent 一条待提交的镜像订单。LimitPrice 为 0 表示未给出。
type Intent struct {
	Ticker         string  `json:"ticker" yaml:"ticker"`
	Side           string  `json:"side" yaml:"side"`
	Quantity       float64 `json:"quantity" yaml:"quantity"`
	Type           string  `json:"orderType" yaml:"orderType"`
	LimitPrice     float64 `json:"limitPrice,omitempty" yaml:"limitPrice,omitempty"`
	SourceSignalID string  `json:"sourceSignalId,omitempty" yaml:"sourceSignalId,omitempty"`
}

// Validate 本地校验，index 用于错误定位。
func (in Intent) Validate(index int) error {
	fail := func(field, reason string) error {
		return &gateway.ValidationError{Index: index, Field: field, Reason: reason}
	}
	if strings.TrimSpace(in.Ticker) == "" {
		return fail("ticker", "is required")
	}
	switch in.Side {
	case SideBuy, SideSell:
	default:
		return fail("side", "must be buy or sell")
	}
	if !finite(in.Quantity) || in.Quantity <= 0 {
		return fail("quantity", "must be a positive finite number")
	}
	switch in.Type {
	case TypeMarket:
	case TypeLimit:
		if !(in.LimitPrice > 0) {
			return fail("limitPrice", "is required for limit orders")
		}
		if !finite(in.LimitPrice) {
			return fail("limitPrice", "must be finite")
		}
	default:
		return fail("orderType", "must be market or limit")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (in Intent) request() gateway.OrderRequest {
	return gateway.OrderRequest{
		Symbol:     strings.ToUpper(strings.TrimSpace(in.Ticker)),
		Side:       in.Side,
		Type:       in.Type,
		Qty:        in.Quantity,
		LimitPrice: in.LimitPrice,
	}
}
