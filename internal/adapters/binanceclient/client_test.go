package binanceclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalPilot/internal/adapters/logger"
	"signalPilot/internal/domain"
	"signalPilot/internal/ports"
)

type recordedRequest struct {
	Method string
	Path   string
	Params map[string]string
}

// fakeExchange answers futures REST calls from canned bodies and records requests.
type fakeExchange struct {
	mu       sync.Mutex
	requests []recordedRequest
	bodies   map[string]string // "METHOD path" -> JSON body
	status   map[string]int
}

func (f *fakeExchange) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params := make(map[string]string)
	for k, v := range r.URL.Query() {
		params[k] = v[0]
	}
	// Signed calls may carry their parameters in a form body, DELETE included.
	if raw, err := io.ReadAll(r.Body); err == nil {
		if form, err := url.ParseQuery(string(raw)); err == nil {
			for k, v := range form {
				params[k] = v[0]
			}
		}
	}
	key := r.Method + " " + r.URL.Path

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Params: params})
	body, ok := f.bodies[key]
	status := f.status[key]
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"code":-1121,"msg":"Invalid symbol."}`)
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (f *fakeExchange) requestsTo(method, path string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, r := range f.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func newTestClient(t *testing.T, ex *fakeExchange) *Client {
	t.Helper()
	return newTestClientLoggingTo(t, ex, io.Discard)
}

func newTestClientLoggingTo(t *testing.T, ex *fakeExchange, w io.Writer) *Client {
	t.Helper()
	srv := httptest.NewServer(ex)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		APIKey:         "key",
		SecretKey:      "secret",
		BaseURL:        srv.URL,
		QuantityPerLot: 1,
		Logger:         logger.NewStdLoggerTo(w, logger.LevelDebug),
	})
	require.NoError(t, err)
	return c
}

func TestClient_GetPrice(t *testing.T) {
	ex := &fakeExchange{bodies: map[string]string{
		"GET /fapi/v1/ticker/bookTicker": `[{"symbol":"BTCUSDT","bidPrice":"64000.10","bidQty":"1.2","askPrice":"64000.30","askQty":"0.8","time":1700000000000}]`,
	}}
	c := newTestClient(t, ex)

	q, err := c.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", q.Symbol)
	assert.InDelta(t, 64000.10, q.Bid, 1e-9)
	assert.InDelta(t, 64000.30, q.Ask, 1e-9)
	assert.True(t, q.Valid())

	reqs := ex.requestsTo(http.MethodGet, "/fapi/v1/ticker/bookTicker")
	require.Len(t, reqs, 1)
	assert.Equal(t, "BTCUSDT", reqs[0].Params["symbol"])
}

func TestClient_PlacePendingOrder(t *testing.T) {
	ex := &fakeExchange{bodies: map[string]string{
		"POST /fapi/v1/order": `{"orderId":4711,"symbol":"BTCUSDT","status":"NEW","type":"LIMIT","side":"BUY"}`,
	}}
	c := newTestClient(t, ex)

	ticket, err := c.PlacePendingOrder(context.Background(), ports.PendingOrderRequest{
		Symbol: "BTCUSDT", Side: domain.Buy, Price: 63900.5, Lots: 0.25, Type: domain.OrderTypeLimit,
	})
	require.NoError(t, err)
	assert.Equal(t, "4711", ticket)

	ticket, err = c.PlacePendingOrder(context.Background(), ports.PendingOrderRequest{
		Symbol: "BTCUSDT", Side: domain.Buy, Price: 64100, Lots: 0.25, Type: domain.OrderTypeStop,
	})
	require.NoError(t, err)
	assert.Equal(t, "4711", ticket)

	reqs := ex.requestsTo(http.MethodPost, "/fapi/v1/order")
	require.Len(t, reqs, 2)
	assert.Equal(t, "LIMIT", reqs[0].Params["type"])
	assert.Equal(t, "GTC", reqs[0].Params["timeInForce"])
	assert.Equal(t, "63900.5", reqs[0].Params["price"])
	assert.Equal(t, "0.25", reqs[0].Params["quantity"])
	assert.Equal(t, "BUY", reqs[0].Params["side"])

	assert.Equal(t, "STOP", reqs[1].Params["type"])
	assert.Equal(t, "64100", reqs[1].Params["stopPrice"])
}

func TestClient_PlacePendingOrderRejected(t *testing.T) {
	ex := &fakeExchange{
		bodies: map[string]string{"POST /fapi/v1/order": `{"code":-2010,"msg":"Order would immediately trigger."}`},
		status: map[string]int{"POST /fapi/v1/order": http.StatusBadRequest},
	}
	c := newTestClient(t, ex)

	_, err := c.PlacePendingOrder(context.Background(), ports.PendingOrderRequest{
		Symbol: "BTCUSDT", Side: domain.Sell, Price: 65000, Lots: 1, Type: domain.OrderTypeLimit,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrOrderPlacementFailed)
}

func TestClient_ReduceOnlyCloses(t *testing.T) {
	ex := &fakeExchange{bodies: map[string]string{
		"POST /fapi/v1/order": `{"orderId":1,"symbol":"BTCUSDT","status":"FILLED","avgPrice":"64010.0"}`,
	}}
	c := newTestClient(t, ex)
	pos := ports.PositionRef{Ticket: "p1", Symbol: "BTCUSDT", Side: domain.Buy}

	require.NoError(t, c.PartialClose(context.Background(), pos, 0.1, 64010))
	require.NoError(t, c.CloseAll(context.Background(), pos, 0.15))

	reqs := ex.requestsTo(http.MethodPost, "/fapi/v1/order")
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, "SELL", r.Params["side"], "a long is closed by selling")
		assert.Equal(t, "MARKET", r.Params["type"])
		assert.Equal(t, "true", r.Params["reduceOnly"])
	}
	assert.Equal(t, "0.1", reqs[0].Params["quantity"])
	assert.Equal(t, "0.15", reqs[1].Params["quantity"])

	assert.ErrorIs(t, c.CloseAll(context.Background(), pos, 0), ports.ErrInvalidRequest)
}

func TestClient_ModifyPositionReplacesStop(t *testing.T) {
	ex := &fakeExchange{bodies: map[string]string{
		"GET /fapi/v1/openOrders": `[
			{"orderId":10,"symbol":"BTCUSDT","type":"STOP_MARKET","closePosition":true,"side":"SELL"},
			{"orderId":11,"symbol":"BTCUSDT","type":"LIMIT","closePosition":false,"side":"BUY"}
		]`,
		"POST /fapi/v1/order":   `{"orderId":12,"symbol":"BTCUSDT","status":"NEW","type":"STOP_MARKET"}`,
		"DELETE /fapi/v1/order": `{"orderId":10,"symbol":"BTCUSDT","status":"CANCELED"}`,
	}}
	c := newTestClient(t, ex)

	sl := 64000.0
	err := c.ModifyPosition(context.Background(), ports.PositionRef{Ticket: "p1", Symbol: "BTCUSDT", Side: domain.Buy}, &sl, nil)
	require.NoError(t, err)

	placed := ex.requestsTo(http.MethodPost, "/fapi/v1/order")
	require.Len(t, placed, 1)
	assert.Equal(t, "STOP_MARKET", placed[0].Params["type"])
	assert.Equal(t, "true", placed[0].Params["closePosition"])
	assert.Equal(t, "64000", placed[0].Params["stopPrice"])

	cancelled := ex.requestsTo(http.MethodDelete, "/fapi/v1/order")
	require.Len(t, cancelled, 1, "only the old closePosition stop is cancelled")
	assert.Equal(t, "10", cancelled[0].Params["orderId"])
}

func TestClient_ModifyPositionStaleTriggerLoggedOnce(t *testing.T) {
	ex := &fakeExchange{
		bodies: map[string]string{
			"GET /fapi/v1/openOrders": `[{"orderId":10,"symbol":"BTCUSDT","type":"STOP_MARKET","closePosition":true,"side":"SELL"}]`,
			"POST /fapi/v1/order":     `{"orderId":12,"symbol":"BTCUSDT","status":"NEW","type":"STOP_MARKET"}`,
			"DELETE /fapi/v1/order":   `{"code":-2011,"msg":"Unknown order sent."}`,
		},
		status: map[string]int{"DELETE /fapi/v1/order": http.StatusBadRequest},
	}
	var buf bytes.Buffer
	c := newTestClientLoggingTo(t, ex, &buf)

	sl := 64000.0
	require.NoError(t, c.ModifyPosition(context.Background(), ports.PositionRef{Ticket: "p1", Symbol: "BTCUSDT", Side: domain.Buy}, &sl, nil))

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "Could not cancel replaced trigger order"))
	assert.Contains(t, out, "Unknown order sent.")
	assert.NotContains(t, out, "[ERROR]", "a stale trigger is a warning, not an error")
}

func TestClient_CancelOrderBadTicket(t *testing.T) {
	c := newTestClient(t, &fakeExchange{})
	err := c.CancelOrder(context.Background(), "BTCUSDT", "not-a-number")
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestClient_CancelOrderNotFound(t *testing.T) {
	ex := &fakeExchange{
		bodies: map[string]string{"DELETE /fapi/v1/order": `{"code":-2011,"msg":"Unknown order sent."}`},
		status: map[string]int{"DELETE /fapi/v1/order": http.StatusBadRequest},
	}
	c := newTestClient(t, ex)
	err := c.CancelOrder(context.Background(), "BTCUSDT", "99")
	assert.ErrorIs(t, err, ports.ErrOrderCancelFailed)
}
