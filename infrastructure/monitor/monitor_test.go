package monitor

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorCounters(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordRequest("paper", "place_order", 0.2, "")
	m.RecordRequest("paper", "place_order", 1.4, "retry_exhausted")
	m.RecordRetry("paper", "place_order", 503)
	m.RecordRetry("paper", "place_order", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("paper", "place_order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("paper", "place_order", "retry_exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("paper", "place_order", "503")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("paper", "place_order", "network")))
}

func TestMonitorBreakerAndBatches(t *testing.T) {
	m := New(DefaultConfig())

	m.SetBreakerState("brokerage/live", 1, true)
	m.SetBreakerState("brokerage/live", 2, false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("brokerage/live")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerTrips.WithLabelValues("brokerage/live")))

	m.RecordBatch("paper", 2, 0)
	m.RecordBatch("paper", 1, 1)
	m.RecordBatch("paper", 0, 3)
	for _, outcome := range []string{"complete", "partial", "failed"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(m.batches.WithLabelValues("paper", outcome)), outcome)
	}
}

func TestMonitorHandlerExposesMetrics(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordHealthCheck("brokerage/paper", true, 0.05)
	m.RecordOrderResult("paper", false, "circuit_open", 0)
	m.RecordStreamConnect("paper")
	m.RecordStreamDisconnect("paper")
	m.RecordTradeUpdate("paper", "fill")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `mirror_brokerage_health_checks_total{healthy="true",key="brokerage/paper"} 1`)
	assert.Contains(t, string(body), `mirror_brokerage_order_results_total{kind="circuit_open",mode="paper",success="false"} 1`)
	assert.Contains(t, string(body), `mirror_brokerage_trade_updates_total{event="fill",mode="paper"} 1`)

	n, err := testutil.GatherAndCount(m.Registry(), "mirror_brokerage_stream_connects_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
