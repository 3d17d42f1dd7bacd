package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"mirror-trader/gateway"
)

// Status 经纪商侧订单生命周期（取值与经纪商一致）。
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusNew      Status = "new"
	StatusPartial  Status = "partially_filled"
	StatusFilled   Status = "filled"
	StatusCanceled Status = "canceled"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// legalTransitions 合法的状态转换；终态不能再转换。
var legalTransitions = map[Status][]Status{
	StatusAccepted: {StatusNew, StatusPartial, StatusFilled, StatusCanceled, StatusRejected, StatusExpired},
	StatusNew:      {StatusPartial, StatusFilled, StatusCanceled, StatusRejected, StatusExpired},
	StatusPartial:  {StatusPartial, StatusFilled, StatusCanceled, StatusExpired},
}

// ValidateTransition 验证状态转换是否合法，相同状态视为幂等。
func ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("illegal state transition: %s -> %s", from, to)
}

// IsFinal 是否终态
func (s Status) IsFinal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// StatusFromEvent 把 trade_updates 事件名映射为订单状态。
// 不改变状态的事件（如 replaced、pending_cancel）返回 false。
func StatusFromEvent(event string) (Status, bool) {
	switch event {
	case "new":
		return StatusNew, true
	case "partial_fill":
		return StatusPartial, true
	case "fill":
		return StatusFilled, true
	case "canceled":
		return StatusCanceled, true
	case "rejected":
		return StatusRejected, true
	case "expired":
		return StatusExpired, true
	default:
		return "", false
	}
}

// Order 已被经纪商受理的订单视图
type Order struct {
	ID            string              `json:"id"`
	ClientOrderID string              `json:"clientOrderId"`
	BatchID       string              `json:"batchId,omitempty"`
	Mode          gateway.AccountMode `json:"mode"`
	Symbol        string              `json:"symbol"`
	Side          string              `json:"side"`
	Type          string              `json:"orderType"`
	Quantity      decimal.Decimal     `json:"quantity"`
	FilledQty     decimal.Decimal     `json:"filledQty"`
	AvgFillPrice  decimal.Decimal     `json:"avgFillPrice"`
	Status        Status              `json:"status"`
	LastEvent     string              `json:"lastEvent,omitempty"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}
