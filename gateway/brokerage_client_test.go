package gateway

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu       sync.Mutex
	requests []string
	retries  []RetryEvent
	errs     []error
}

func (o *recordingObserver) ObserveRequest(mode AccountMode, action string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, string(mode)+":"+action)
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) ObserveRetry(_ AccountMode, _ string, ev RetryEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, ev)
}

func newTestBrokerage(t *testing.T, ts *httptest.Server, obs RequestObserver) *BrokerageClient {
	t.Helper()
	cli, err := NewBrokerageClient(BrokerageConfig{
		Accounts: map[AccountMode]Credentials{
			ModePaper: {BaseURL: ts.URL + "/", APIKey: "key", APISecret: "secret"},
		},
		HTTPClient:    ts.Client(),
		Policy:        fastPolicy(2),
		RatePerSecond: 1000,
		Burst:         100,
		Observer:      obs,
		Sleep:         noSleep,
	})
	require.NoError(t, err)
	cli.NewClientOrderID = func() string { return "cid-1" }
	return cli
}

func TestBrokerageClientPlaceLimitOrder(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/orders", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "GOOGL", payload["symbol"])
		assert.Equal(t, "5", payload["qty"])
		assert.Equal(t, "sell", payload["side"])
		assert.Equal(t, "limit", payload["type"])
		assert.Equal(t, "150.25", payload["limit_price"])
		assert.Equal(t, "day", payload["time_in_force"])
		assert.Equal(t, "cid-1", payload["client_order_id"])

		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"id":"ord-1","client_order_id":"cid-1","symbol":"GOOGL","status":"accepted"}`)
	}))
	defer ts.Close()

	cli := newTestBrokerage(t, ts, nil)
	ack, err := cli.PlaceOrder(context.Background(), ModePaper, OrderRequest{
		Symbol: "googl", Side: "sell", Type: "limit", Qty: 5, LimitPrice: 150.25,
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", ack.ID)
	assert.Equal(t, "accepted", ack.Status)
}

func TestBrokerageClientMarketOrderOmitsLimitPrice(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, has := payload["limit_price"]
		assert.False(t, has)
		assert.Equal(t, "0.5", payload["qty"])
		io.WriteString(w, `{"id":"ord-2"}`)
	}))
	defer ts.Close()

	cli := newTestBrokerage(t, ts, nil)
	ack, err := cli.PlaceOrder(context.Background(), ModePaper, OrderRequest{Symbol: "AAPL", Side: "buy", Type: "market", Qty: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "cid-1", ack.ClientOrderID)
}

func TestBrokerageClientRejectedOrderIsNotRetried(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"code":42210000,"message":"qty must be > 0"}`)
	}))
	defer ts.Close()

	obs := &recordingObserver{}
	cli := newTestBrokerage(t, ts, obs)
	_, err := cli.PlaceOrder(context.Background(), ModePaper, OrderRequest{Symbol: "AAPL", Side: "buy", Type: "market", Qty: 1})

	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, 422, herr.Status)
	assert.Equal(t, "qty must be > 0", herr.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, obs.retries)
	assert.Equal(t, []string{"paper:place_order"}, obs.requests)
}

func TestBrokerageClientRetriesServerErrors(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"id":"acct","status":"ACTIVE","buying_power":"1000"}`)
	}))
	defer ts.Close()

	obs := &recordingObserver{}
	cli := newTestBrokerage(t, ts, obs)
	info, err := cli.Account(context.Background(), ModePaper)
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", info.Status)
	require.Len(t, obs.retries, 1)
	assert.Equal(t, http.StatusServiceUnavailable, obs.retries[0].Status)
	assert.NoError(t, obs.errs[0])
}

func TestBrokerageClientPingUnknownMode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	cli := newTestBrokerage(t, ts, nil)
	assert.Error(t, cli.Ping(context.Background(), ModeLive))
	assert.Equal(t, []AccountMode{ModePaper}, cli.Modes())
}

func TestBrokerageClientSetRetryPolicy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	cli := newTestBrokerage(t, ts, nil)
	assert.Error(t, cli.SetRetryPolicy(RetryPolicy{MaxRetries: 1, BaseDelay: time.Second, MaxDelay: time.Millisecond}))

	next := RetryPolicy{MaxRetries: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}
	require.NoError(t, cli.SetRetryPolicy(next))
	assert.Equal(t, next, cli.RetryPolicy())
}

func TestParseAccountMode(t *testing.T) {
	m, err := ParseAccountMode(" LIVE ")
	require.NoError(t, err)
	assert.Equal(t, ModeLive, m)
	_, err = ParseAccountMode("demo")
	assert.Error(t, err)
}

func TestBrokerageClientRejectsNonFiniteValues(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer ts.Close()

	cli := newTestBrokerage(t, ts, nil)
	cases := []OrderRequest{
		{Symbol: "AAPL", Side: "buy", Type: "market", Qty: math.Inf(1)},
		{Symbol: "AAPL", Side: "buy", Type: "market", Qty: math.NaN()},
		{Symbol: "AAPL", Side: "buy", Type: "limit", Qty: 1, LimitPrice: math.Inf(-1)},
	}
	for _, req := range cases {
		assert.NotPanics(t, func() {
			_, err := cli.PlaceOrder(context.Background(), ModePaper, req)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestBrokerageClientAckWithoutIDIsAccepted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer ts.Close()

	cli := newTestBrokerage(t, ts, nil)
	ack, err := cli.PlaceOrder(context.Background(), ModePaper, OrderRequest{Symbol: "AAPL", Side: "buy", Type: "market", Qty: 1})
	require.NoError(t, err)
	assert.Empty(t, ack.ID)
	assert.Equal(t, "cid-1", ack.ClientOrderID)
	assert.Equal(t, "accepted", ack.Status)
}
