package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mirror-trader/gateway"
	"mirror-trader/internal/risk"
)

// ErrLiveConfirmationRequired 实盘提交缺少显式确认。
var ErrLiveConfirmationRequired = &gateway.ValidationError{
	Index:  -1,
	Field:  "confirmLive",
	Reason: "live submission requires explicit confirmation",
}

// Broker 下单通道，由 gateway.BrokerageClient 实现。
type Broker interface {
	PlaceOrder(ctx context.Context, mode gateway.AccountMode, req gateway.OrderRequest) (gateway.OrderAck, error)
}

// Breaker 熔断器表的子集，由 risk.Registry 实现。
type Breaker interface {
	BeforeCall(key risk.Key) bool
	RecordOutcome(key risk.Key, success bool, latency time.Duration)
	Abandon(key risk.Key)
}

// Observer 观察单条结果和整批结果（日志、指标、告警）。
type Observer interface {
	ObserveOrder(mode gateway.AccountMode, in Intent, res Result, elapsed time.Duration)
	ObserveBatch(rec BatchRecord)
}

// Ledger 批次台账
type Ledger interface {
	Put(rec BatchRecord) error
}

// SubmitterConfig 提交器配置
type SubmitterConfig struct {
	Concurrency  int // 单批并发下单数
	MaxBatchSize int // 单批最多条数，<=0 不限制
}

// SubmitOptions 单次提交参数
type SubmitOptions struct {
	Mode        gateway.AccountMode
	ConfirmLive bool
}

// Submitter 批量下单：先整体校验，再逐条经过熔断器并发提交，部分失败逐条汇报。
type Submitter struct {
	broker   Broker
	breaker  Breaker
	cfg      SubmitterConfig
	observer Observer
	ledger   Ledger
	tracker  *Tracker

	// OnLedgerError 台账写入失败时回调，不影响返回结果
	OnLedgerError func(batchID string, err error)
	Now           func() time.Time
	NewBatchID    func() string
}

// NewSubmitter 创建提交器
func NewSubmitter(broker Broker, breaker Breaker, cfg SubmitterConfig) *Submitter {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Submitter{
		broker:     broker,
		breaker:    breaker,
		cfg:        cfg,
		Now:        time.Now,
		NewBatchID: uuid.NewString,
	}
}

// SetObserver 设置观察者
func (s *Submitter) SetObserver(o Observer) { s.observer = o }

// SetLedger 设置批次台账
func (s *Submitter) SetLedger(l Ledger) { s.ledger = l }

// SetTracker 受理成功的订单登记到跟踪器，后续由成交回报推进状态。
func (s *Submitter) SetTracker(t *Tracker) { s.tracker = t }

// Submit 提交一批订单。
//
// 校验失败或实盘未确认时返回 *gateway.ValidationError，且不发出任何请求。
// 其余失败都体现在对应的 Result 中。ctx 中途取消时，未完成的条目标记为
// cancelled，返回部分结果和 *gateway.CancellationError。
func (s *Submitter) Submit(ctx context.Context, intents []Intent, opts SubmitOptions) (BatchResult, error) {
	if err := s.validate(intents, opts); err != nil {
		return BatchResult{}, err
	}

	start := s.Now()
	batchID := s.NewBatchID()
	key := risk.Key{Dependency: risk.DependencyBrokerage, Mode: opts.Mode}
	results := make([]Result, len(intents))

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for i := range intents {
		i := i
		g.Go(func() error {
			begin := time.Now()
			results[i] = s.submitOne(ctx, key, batchID, intents[i])
			if s.observer != nil {
				s.observer.ObserveOrder(opts.Mode, intents[i], results[i], time.Since(begin))
			}
			return nil
		})
	}
	_ = g.Wait()

	br := NewBatchResult(batchID, opts.Mode, start, results)
	rec := BatchRecord{
		BatchResult: br,
		Intents:     intents,
		Elapsed:     s.Now().Sub(start),
		Cancelled:   ctx.Err() != nil,
		RecordedAt:  s.Now(),
	}
	if s.ledger != nil {
		if err := s.ledger.Put(rec); err != nil && s.OnLedgerError != nil {
			s.OnLedgerError(batchID, err)
		}
	}
	if s.observer != nil {
		s.observer.ObserveBatch(rec)
	}
	if err := ctx.Err(); err != nil {
		return br, &gateway.CancellationError{Err: err}
	}
	return br, nil
}

func (s *Submitter) validate(intents []Intent, opts SubmitOptions) error {
	if len(intents) == 0 {
		return &gateway.ValidationError{Index: -1, Field: "intents", Reason: "batch is empty"}
	}
	if s.cfg.MaxBatchSize > 0 && len(intents) > s.cfg.MaxBatchSize {
		return &gateway.ValidationError{
			Index:  -1,
			Field:  "intents",
			Reason: fmt.Sprintf("batch of %d exceeds limit %d", len(intents), s.cfg.MaxBatchSize),
		}
	}
	if _, err := gateway.ParseAccountMode(string(opts.Mode)); err != nil {
		return &gateway.ValidationError{Index: -1, Field: "mode", Reason: err.Error()}
	}
	for i, in := range intents {
		if err := in.Validate(i); err != nil {
			return err
		}
	}
	if opts.Mode == gateway.ModeLive && !opts.ConfirmLive {
		return ErrLiveConfirmationRequired
	}
	return nil
}

func (s *Submitter) submitOne(ctx context.Context, key risk.Key, batchID string, in Intent) Result {
	res := Result{Ticker: in.Ticker}
	if ctx.Err() != nil {
		res.Error = ErrorCancelled
		res.Kind = gateway.KindCancelled
		return res
	}
	if !s.breaker.BeforeCall(key) {
		res.Error = ErrorCircuitOpen
		res.Kind = gateway.KindCircuitOpen
		return res
	}

	res.Attempted = true
	start := time.Now()
	ack, err := s.broker.PlaceOrder(ctx, key.Mode, in.request())
	latency := time.Since(start)

	kind := gateway.KindOf(err)
	if kind == gateway.KindCancelled && ctx.Err() != nil {
		// 取消不计入熔断统计，但要释放可能持有的半开试探资格
		s.breaker.Abandon(key)
		res.Error = ErrorCancelled
		res.Kind = kind
		return res
	}
	if kind == gateway.KindValidation {
		// 本地拒绝，请求未发出
		s.breaker.Abandon(key)
		res.Attempted = false
		res.Error = err.Error()
		res.Kind = kind
		return res
	}
	s.breaker.RecordOutcome(key, err == nil, latency)
	if err != nil {
		res.Error = err.Error()
		res.Kind = kind
		return res
	}

	res.Success = true
	res.OrderID = ack.ID
	res.ClientOrderID = ack.ClientOrderID
	if s.tracker != nil {
		s.tracker.Track(batchID, key.Mode, in, ack)
	}
	return res
}
