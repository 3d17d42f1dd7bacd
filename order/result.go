package order

import (
	"time"

	"mirror-trader/gateway"
)

// 非经纪商返回的本地失败原因
const (
	ErrorCircuitOpen = "circuit open"
	ErrorCancelled   = "cancelled"
)

// Result 单条订单的处理结果。Attempted=false 表示没有发出网络请求（熔断或取消）。
type Result struct {
	Ticker        string            `json:"ticker"`
	Success       bool              `json:"success"`
	Error         string            `json:"error,omitempty"`
	Attempted     bool              `json:"attempted"`
	Kind          gateway.ErrorKind `json:"kind"`
	OrderID       string            `json:"orderId,omitempty"`
	ClientOrderID string            `json:"clientOrderId,omitempty"`
}

// Summary 批次统计，只能由 NewBatchResult 计算。
type Summary struct {
	TotalRequested int `json:"totalRequested"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
}

// BatchResult 批次结果，Results 与输入 intents 一一对应。
type BatchResult struct {
	BatchID     string              `json:"batchId"`
	Mode        gateway.AccountMode `json:"mode"`
	SubmittedAt time.Time           `json:"submittedAt"`
	Results     []Result            `json:"results"`
	Summary     Summary             `json:"summary"`
}

// NewBatchResult 由结果列表构造批次结果并计算统计。
func NewBatchResult(batchID string, mode gateway.AccountMode, submittedAt time.Time, results []Result) BatchResult {
	s := Summary{TotalRequested: len(results)}
	for _, r := range results {
		if r.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return BatchResult{
		BatchID:     batchID,
		Mode:        mode,
		SubmittedAt: submittedAt,
		Results:     results,
		Summary:     s,
	}
}

// FullySucceeded 仅当没有失败时为 true。
func (b BatchResult) FullySucceeded() bool {
	return b.Summary.Failed == 0
}

// Failures 返回失败条目的下标。
func (b BatchResult) Failures() []int {
	var idx []int
	for i, r := range b.Results {
		if !r.Success {
			idx = append(idx, i)
		}
	}
	return idx
}

// BatchRecord 写入台账的批次记录。
type BatchRecord struct {
	BatchResult
	Intents    []Intent      `json:"intents"`
	Elapsed    time.Duration `json:"elapsed"`
	Cancelled  bool          `json:"cancelled"`
	RecordedAt time.Time     `json:"recordedAt"`
}
