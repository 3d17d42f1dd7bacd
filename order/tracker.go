package order

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mirror-trader/gateway"
)

// Tracker 记录已受理订单，并用 trade_updates 回报推进状态。
type Tracker struct {
	mu     sync.RWMutex
	orders map[string]*Order
	limit  int

	Now func() time.Time
}

// NewTracker limit 为最多保留的订单数（<=0 不限制），超出时淘汰最早终态的订单。
func NewTracker(limit int) *Tracker {
	return &Tracker{
		orders: make(map[string]*Order),
		limit:  limit,
		Now:    time.Now,
	}
}

// Track 登记一笔刚被受理的订单。
func (t *Tracker) Track(batchID string, mode gateway.AccountMode, in Intent, ack gateway.OrderAck) {
	status := Status(ack.Status)
	if _, known := legalTransitions[status]; !known && !status.IsFinal() {
		status = StatusAccepted
	}
	o := &Order{
		ID:            ack.ID,
		ClientOrderID: ack.ClientOrderID,
		BatchID:       batchID,
		Mode:          mode,
		Symbol:        strings.ToUpper(in.Ticker),
		Side:          in.Side,
		Type:          in.Type,
		Quantity:      decimal.NewFromFloat(in.Quantity),
		Status:        status,
		UpdatedAt:     t.Now(),
	}
	key := o.key()
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.orders[key]; exists {
		return
	}
	t.orders[key] = o
	t.evictLocked()
}

// key 回执缺少经纪商 ID 时暂用 ClientOrderID，首条回报到达后改用 ID。
func (o *Order) key() string {
	if o.ID != "" {
		return o.ID
	}
	return o.ClientOrderID
}

// Apply 应用一条回报。未登记的订单（例如在其他终端下的单）会被补登。
func (t *Tracker) Apply(mode gateway.AccountMode, u gateway.TradeUpdate) error {
	if u.Order.ID == "" {
		return fmt.Errorf("trade update %q without order id", u.Event)
	}
	next, changes := StatusFromEvent(u.Event)

	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[u.Order.ID]
	if !ok && u.Order.ClientOrderID != "" {
		if pending, found := t.orders[u.Order.ClientOrderID]; found && pending.ID == "" {
			delete(t.orders, u.Order.ClientOrderID)
			pending.ID = u.Order.ID
			t.orders[pending.ID] = pending
			o, ok = pending, true
		}
	}
	if !ok {
		o = &Order{
			ID:            u.Order.ID,
			ClientOrderID: u.Order.ClientOrderID,
			Mode:          mode,
			Symbol:        u.Order.Symbol,
			Status:        StatusAccepted,
		}
		t.orders[o.ID] = o
		defer t.evictLocked()
	}
	o.LastEvent = u.Event
	o.UpdatedAt = t.Now()
	if !changes {
		return nil
	}
	if err := ValidateTransition(o.Status, next); err != nil {
		return fmt.Errorf("order %s: %w", o.ID, err)
	}
	if next == StatusPartial || next == StatusFilled {
		if err := o.addFill(u.Qty, u.Price); err != nil {
			return fmt.Errorf("order %s: %w", o.ID, err)
		}
	}
	o.Status = next
	return nil
}

// addFill 累加成交量并更新成交均价
func (o *Order) addFill(qtyStr, priceStr string) error {
	if qtyStr == "" {
		return nil
	}
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return fmt.Errorf("parse fill qty %q: %w", qtyStr, err)
	}
	price := decimal.Zero
	if priceStr != "" {
		if price, err = decimal.NewFromString(priceStr); err != nil {
			return fmt.Errorf("parse fill price %q: %w", priceStr, err)
		}
	}
	total := o.FilledQty.Add(qty)
	if total.IsPositive() {
		notional := o.AvgFillPrice.Mul(o.FilledQty).Add(price.Mul(qty))
		o.AvgFillPrice = notional.DivRound(total, 8)
	}
	o.FilledQty = total
	return nil
}

// Get 查询订单
func (t *Tracker) Get(id string) (Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// List 返回全部订单（拷贝），按更新时间倒序。
func (t *Tracker) List() []Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	res := make([]Order, 0, len(t.orders))
	for _, o := range t.orders {
		res = append(res, *o)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.After(res[j].UpdatedAt) })
	return res
}

func (t *Tracker) evictLocked() {
	if t.limit <= 0 || len(t.orders) <= t.limit {
		return
	}
	var oldest *Order
	for _, o := range t.orders {
		if o.Status.IsFinal() && (oldest == nil || o.UpdatedAt.Before(oldest.UpdatedAt)) {
			oldest = o
		}
	}
	if oldest != nil {
		delete(t.orders, oldest.key())
	}
}
