package container

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	zapobserver "go.uber.org/zap/zaptest/observer"

	"mirror-trader/config"
	"mirror-trader/gateway"
	"mirror-trader/infrastructure/alert"
	"mirror-trader/infrastructure/logger"
	"mirror-trader/infrastructure/monitor"
	"mirror-trader/internal/risk"
	"mirror-trader/order"
)

func brokerageServer(t *testing.T) *httptest.Server {
	t.Helper()
	var seq int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v2/account":
			_, _ = w.Write([]byte(`{"id":"acct-1","status":"ACTIVE"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v2/orders":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["symbol"] == "REJECT" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"code":42210000,"message":"insufficient buying power"}`))
				return
			}
			n := atomic.AddInt64(&seq, 1)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"id":              "ord-" + strconv.FormatInt(n, 10),
				"client_order_id": body["client_order_id"],
				"symbol":          body["symbol"],
				"status":          "accepted",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testConfig(t *testing.T, baseURL string) config.AppConfig {
	t.Helper()
	return config.AppConfig{
		Env: "test",
		Brokerage: config.BrokerageConfig{
			Paper:   config.AccountConfig{BaseURL: baseURL, APIKey: "k", APISecret: "s"},
			Timeout: 2 * time.Second,
		},
		Retry:   config.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Orders:  config.OrdersConfig{Concurrency: 2, TrackerLimit: 100},
		Ledger:  config.LedgerConfig{Path: filepath.Join(t.TempDir(), "ledger.db"), MaxRecords: 10},
		Alerts:  config.AlertsConfig{Throttle: time.Minute},
		Log:     logger.DefaultConfig(),
	}
}

func TestContainerBuildAndSubmit(t *testing.T) {
	ts := brokerageServer(t)
	core, logs := zapobserver.New(zapcore.DebugLevel)

	c := NewWithConfig(testConfig(t, ts.URL), "")
	c.logger = logger.FromZap(zap.New(core))
	require.NoError(t, c.Build())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))

	res, err := c.Submitter().Submit(ctx, []order.Intent{
		{Ticker: "AAPL", Side: "buy", Quantity: 1, Type: "market"},
		{Ticker: "REJECT", Side: "buy", Quantity: 1, Type: "market"},
	}, order.SubmitOptions{Mode: gateway.ModePaper})
	require.NoError(t, err)
	assert.Equal(t, order.Summary{TotalRequested: 2, Succeeded: 1, Failed: 1}, res.Summary)
	assert.Contains(t, res.Results[1].Error, "http 422")

	rec, err := c.Ledger().Get(res.BatchID)
	require.NoError(t, err)
	assert.Len(t, rec.Intents, 2)

	_, ok := c.Tracker().Get(res.Results[0].OrderID)
	assert.True(t, ok)

	assert.Equal(t, 2, logs.FilterMessage("order_event").Len())
	assert.Equal(t, 1, logs.FilterMessage("batch_event").Len())

	hc := c.Connections().RunHealthCheck(ctx, risk.Key{Dependency: risk.DependencyBrokerage, Mode: gateway.ModePaper})
	assert.True(t, hc.Healthy)
	assert.Equal(t, 1, logs.FilterMessage("health_check").Len())

	require.NoError(t, c.Stop())
}

func TestNewLoadsConfigFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "load config failed"))
}

type recordingChannel struct {
	alerts []alert.Alert
}

func (c *recordingChannel) Send(_ context.Context, a alert.Alert) error {
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *recordingChannel) Name() string { return "recording" }

func newTestObserver() (*observer, *recordingChannel, *zapobserver.ObservedLogs) {
	core, logs := zapobserver.New(zapcore.DebugLevel)
	ch := &recordingChannel{}
	reg := risk.NewRegistry(risk.CircuitBreakerConfig{Threshold: 2})
	o := &observer{
		logger:   logger.FromZap(zap.New(core)),
		monitor:  monitor.New(monitor.DefaultConfig()),
		alerts:   alert.NewManager([]alert.Channel{ch}, time.Minute),
		registry: reg,
		tracker:  order.NewTracker(10),
	}
	reg.OnStateChange(o.breakerChanged)
	return o, ch, logs
}

func metricsBody(t *testing.T, m *monitor.Monitor) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestObserverBreakerTransitions(t *testing.T) {
	o, ch, logs := newTestObserver()
	key := risk.Key{Dependency: risk.DependencyBrokerage, Mode: gateway.ModeLive}

	o.registry.RecordOutcome(key, false, time.Millisecond)
	o.registry.RecordOutcome(key, false, time.Millisecond)
	require.Len(t, ch.alerts, 1)
	assert.Equal(t, alert.LevelError, ch.alerts[0].Level)
	assert.Equal(t, "breaker:brokerage/live", ch.alerts[0].Key)

	o.registry.Reset(key)
	require.Len(t, ch.alerts, 2)
	assert.Equal(t, alert.LevelInfo, ch.alerts[1].Level)

	assert.Equal(t, 2, logs.FilterMessage("breaker_event").Len())
	body := metricsBody(t, o.monitor)
	assert.Contains(t, body, `mirror_brokerage_breaker_trips_total{key="brokerage/live"} 1`)
	assert.Contains(t, body, `mirror_brokerage_breaker_state{key="brokerage/live"} 0`)
}

func TestObserverBatchAlertsOnFailures(t *testing.T) {
	o, ch, logs := newTestObserver()

	ok := order.BatchRecord{BatchResult: order.NewBatchResult("b-1", gateway.ModePaper, time.Now(), []order.Result{{Ticker: "AAPL", Success: true}})}
	o.ObserveBatch(ok)
	assert.Empty(t, ch.alerts)

	failed := order.BatchRecord{BatchResult: order.NewBatchResult("b-2", gateway.ModePaper, time.Now(), []order.Result{
		{Ticker: "AAPL", Success: true},
		{Ticker: "MSFT", Error: "circuit open", Kind: gateway.KindCircuitOpen},
	})}
	o.ObserveBatch(failed)
	require.Len(t, ch.alerts, 1)
	assert.Equal(t, "b-2", ch.alerts[0].Fields["batchId"])

	entries := logs.FilterMessage("batch_event").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.NotContains(t, entries[1].ContextMap(), "schema_error")
	assert.Contains(t, metricsBody(t, o.monitor), `mirror_brokerage_batches_total{mode="paper",outcome="partial"} 1`)
}

func TestObserverTradeStreamHooks(t *testing.T) {
	o, _, logs := newTestObserver()
	ack := gateway.OrderAck{ID: "ord-1", ClientOrderID: "cli-1", Symbol: "AAPL", Status: "accepted"}
	o.tracker.Track("b-1", gateway.ModePaper, order.Intent{Ticker: "AAPL", Side: "buy", Quantity: 2, Type: "market"}, ack)

	s := gateway.NewTradeStream(gateway.ModePaper, gateway.Credentials{StreamURL: "ws://unused"}, gateway.DefaultRetryPolicy())
	o.tradeStreamHooks(s)
	key := risk.Key{Dependency: risk.DependencyBrokerageStream, Mode: gateway.ModePaper}

	s.OnConnect()
	fill := ack
	fill.Status = "filled"
	s.Handler(gateway.TradeUpdate{Event: "fill", Price: "101.5", Qty: "2", Order: fill})

	tracked, ok := o.tracker.Get("ord-1")
	require.True(t, ok)
	assert.Equal(t, order.StatusFilled, tracked.Status)
	assert.Equal(t, 1, logs.FilterMessage("trade_update").Len())

	s.OnDisconnect(context.Canceled)
	assert.Equal(t, 0, o.registry.Status(key).ConsecutiveFailures)
	s.OnDisconnect(errors.New("read: connection reset"))
	assert.Equal(t, 1, o.registry.Status(key).ConsecutiveFailures)
	assert.Equal(t, 2, o.registry.Stats(key).Samples)

	body := metricsBody(t, o.monitor)
	assert.Contains(t, body, `mirror_brokerage_stream_disconnects_total{mode="paper"} 2`)
	assert.Contains(t, body, `mirror_brokerage_trade_updates_total{event="fill",mode="paper"} 1`)
}
