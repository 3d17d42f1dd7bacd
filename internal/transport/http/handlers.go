package mirrorhttp

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"mirror-trader/gateway"
	"mirror-trader/internal/risk"
	"mirror-trader/internal/store"
	"mirror-trader/order"
)

const (
	defaultBatchLimit = 20
	maxBatchLimit     = 200
)

type handlers struct {
	submitter   BatchSubmitter
	connections Connections
	batches     BatchHistory
	orders      OrderLookup
}

func (h *handlers) register(group *gin.RouterGroup) {
	group.GET("/connections/:mode", h.handleConnections)
	group.POST("/connections/:mode/test", h.handleConnectionTest)
	group.POST("/orders/batch", h.handleSubmitBatch)
	group.GET("/orders/batches", h.handleRecentBatches)
	group.GET("/orders/batches/:id", h.handleBatchByID)
	group.GET("/orders/tracked", h.handleTrackedOrders)
	group.GET("/orders/tracked/:id", h.handleTrackedOrder)
}

// connectionView 单个依赖的熔断状态与窗口统计
type connectionView struct {
	Key        string             `json:"key"`
	Dependency string             `json:"dependency"`
	Status     risk.BreakerStatus `json:"status"`
	Stats      risk.HealthStats   `json:"stats"`
}

// batchRequest POST /api/orders/batch 的请求体
type batchRequest struct {
	Mode        string         `json:"mode"`
	ConfirmLive bool           `json:"confirmLive"`
	Intents     []order.Intent `json:"intents"`
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not enabled"})
}

func parseMode(c *gin.Context, raw string) (gateway.AccountMode, bool) {
	mode, err := gateway.ParseAccountMode(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return mode, true
}

// keysFor 合并定时探测的键与熔断器表中已出现的键
func (h *handlers) keysFor(mode gateway.AccountMode) []risk.Key {
	seen := make(map[risk.Key]bool)
	var keys []risk.Key
	add := func(k risk.Key) {
		if k.Mode == mode && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, k := range h.connections.Keys() {
		add(k)
	}
	for _, k := range h.connections.Registry().Keys() {
		add(k)
	}
	return keys
}

func (h *handlers) handleConnections(c *gin.Context) {
	if h.connections == nil {
		unavailable(c, "connection monitor")
		return
	}
	mode, ok := parseMode(c, c.Param("mode"))
	if !ok {
		return
	}
	keys := h.keysFor(mode)
	if len(keys) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no connections for mode " + string(mode)})
		return
	}
	reg := h.connections.Registry()
	views := make([]connectionView, 0, len(keys))
	for _, k := range keys {
		views = append(views, connectionView{
			Key:        k.String(),
			Dependency: k.Dependency,
			Status:     reg.Status(k),
			Stats:      reg.Stats(k),
		})
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode, "connections": views})
}

func (h *handlers) handleConnectionTest(c *gin.Context) {
	if h.connections == nil {
		unavailable(c, "connection monitor")
		return
	}
	mode, ok := parseMode(c, c.Param("mode"))
	if !ok {
		return
	}
	dep := strings.TrimSpace(c.DefaultQuery("dependency", risk.DependencyBrokerage))
	key := risk.Key{Dependency: dep, Mode: mode}
	probed := false
	for _, k := range h.connections.Keys() {
		if k == key {
			probed = true
			break
		}
	}
	if !probed {
		c.JSON(http.StatusNotFound, gin.H{"error": "no probe for " + key.String()})
		return
	}
	res := h.connections.RunHealthCheck(c.Request.Context(), key)
	reg := h.connections.Registry()
	c.JSON(http.StatusOK, gin.H{
		"key":    key.String(),
		"result": res,
		"status": reg.Status(key),
		"stats":  reg.Stats(key),
	})
}

func (h *handlers) handleSubmitBatch(c *gin.Context) {
	if h.submitter == nil {
		unavailable(c, "order submission")
		return
	}
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	mode, ok := parseMode(c, req.Mode)
	if !ok {
		return
	}
	res, err := h.submitter.Submit(c.Request.Context(), req.Intents, order.SubmitOptions{
		Mode:        mode,
		ConfirmLive: req.ConfirmLive,
	})
	if err == nil {
		c.JSON(http.StatusOK, res)
		return
	}
	var verr *gateway.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": verr.Error(),
			"field": verr.Field,
			"index": verr.Index,
		})
		return
	}
	var cerr *gateway.CancellationError
	if errors.As(err, &cerr) {
		c.JSON(http.StatusRequestTimeout, gin.H{"error": cerr.Error(), "result": res})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (h *handlers) handleRecentBatches(c *gin.Context) {
	if h.batches == nil {
		unavailable(c, "batch ledger")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultBatchLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxBatchLimit {
		limit = maxBatchLimit
	}
	recs, err := h.batches.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": recs})
}

func (h *handlers) handleBatchByID(c *gin.Context) {
	if h.batches == nil {
		unavailable(c, "batch ledger")
		return
	}
	rec, err := h.batches.Get(c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handlers) handleTrackedOrders(c *gin.Context) {
	if h.orders == nil {
		unavailable(c, "order tracker")
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": h.orders.List()})
}

func (h *handlers) handleTrackedOrder(c *gin.Context) {
	if h.orders == nil {
		unavailable(c, "order tracker")
		return
	}
	o, ok := h.orders.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, o)
}
