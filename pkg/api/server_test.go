package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypermarket/pkg/app/core"
	"github.com/uhyunpark/hypermarket/pkg/app/matcher"
	"github.com/uhyunpark/hypermarket/pkg/broadcast"
	"github.com/uhyunpark/hypermarket/pkg/crypto"
	"github.com/uhyunpark/hypermarket/pkg/storage"
)

type testEnv struct {
	store  *storage.PebbleStore
	server *Server
	hub    *Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := storage.NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := NewHub(nil)
	w := matcher.NewWorker(st, matcher.Config{WorkerID: "api-test"}, nil, matcher.WithPublisher(hub))
	return &testEnv{store: st, hub: hub, server: NewServer(w, st, hub, Options{}, nil)}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRunEmptyQueue(t *testing.T) {
	e := newTestEnv(t)

	for _, path := range []string{"/", "/api/v1/matcher/run"} {
		rec := e.do(t, http.MethodPost, path, "")
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[RunResponse](t, rec)
		require.True(t, resp.Success)
		require.Equal(t, "api-test", resp.WorkerID)
		require.Zero(t, resp.Processed)
	}
}

func TestSubmitThenRun(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/orders",
		`{"orderId":"s1","marketId":"rain","makerAccountId":"alice","side":"sell","priceTicks":40,"quantity":10}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Equal(t, SubmitOrderResponse{Status: "queued", OrderID: "s1"}, decode[SubmitOrderResponse](t, rec))

	rec = e.do(t, http.MethodPost, "/api/v1/orders",
		`{"orderId":"b1","marketId":"rain","makerAccountId":"bob","side":"BUY","priceTicks":45,"quantity":4,"priorityScore":1}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = e.do(t, http.MethodPost, "/", `{"trigger":"test","marketId":"rain"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RunResponse](t, rec)
	require.Equal(t, 2, resp.Processed)
	require.Equal(t, 2, resp.Matched)
	require.Equal(t, 1, resp.Trades)

	rec = e.do(t, http.MethodGet, "/api/v1/markets/rain/orderbook", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[OrderbookSnapshot](t, rec)
	require.Empty(t, snap.Bids)
	require.Equal(t, []PriceLevel{{Price: 40, Size: 6, Orders: 1}}, snap.Asks)

	rec = e.do(t, http.MethodGet, "/api/v1/markets/rain/trades?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	trades := decode[[]TradeInfo](t, rec)
	require.Len(t, trades, 1)
	require.Equal(t, int64(40), trades[0].Price)
	require.Equal(t, int64(4), trades[0].Size)

	rec = e.do(t, http.MethodGet, "/api/v1/orders/b1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, core.QueueMatched, decode[core.QueuedOrder](t, rec).Status)
}

func TestRunOutlivesCallerDisconnect(t *testing.T) {
	e := newTestEnv(t)
	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/api/v1/orders",
		`{"orderId":"s1","marketId":"rain","makerAccountId":"alice","side":"sell","priceTicks":40,"quantity":10}`).Code)
	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/api/v1/orders",
		`{"orderId":"b1","marketId":"rain","makerAccountId":"bob","side":"buy","priceTicks":40,"quantity":10,"priorityScore":1}`).Code)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 2, decode[RunResponse](t, rec).Matched)

	q, err := e.store.GetQueuedOrder(context.Background(), "b1")
	require.NoError(t, err)
	require.Equal(t, core.QueueMatched, q.Status)
}

func TestSubmitValidation(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"bad side", `{"marketId":"m","makerAccountId":"a","side":"hold","priceTicks":1,"quantity":1}`, http.StatusBadRequest},
		{"no market", `{"makerAccountId":"a","side":"buy","priceTicks":1,"quantity":1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/api/v1/orders", tt.body)
			require.Equal(t, tt.code, rec.Code)
		})
	}

	body := `{"orderId":"dup","marketId":"m","makerAccountId":"a","side":"buy","priceTicks":1,"quantity":1}`
	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/api/v1/orders", body).Code)
	require.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/api/v1/orders", body).Code)
}

func TestSubmitSignedOrder(t *testing.T) {
	e := newTestEnv(t)
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)

	msg := crypto.OrderMessage{
		MarketID:    "rain",
		Side:        "BUY",
		PriceTicks:  30,
		Quantity:    5,
		TimeInForce: "GTC",
		Nonce:       7,
		Maker:       signer.Address(),
	}
	sig, err := crypto.DefaultDomain().SignOrder(signer, msg)
	require.NoError(t, err)

	req := SubmitOrderRequest{
		OrderID:        "signed",
		MarketID:       "rain",
		MakerAccountID: signer.Address().Hex(),
		Side:           "buy",
		PriceTicks:     30,
		Quantity:       5,
		Nonce:          7,
		Signature:      sig,
	}
	body, _ := json.Marshal(req)
	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/api/v1/orders", string(body)).Code)

	// same signature over a different quantity
	req.OrderID = "tampered"
	req.Quantity = 50
	body, _ = json.Marshal(req)
	require.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodPost, "/api/v1/orders", string(body)).Code)
}

func TestOrderbookNotFound(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/markets/nope/orderbook", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "orderbook not found", decode[ErrorResponse](t, rec).Error)

	require.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/orders/nope", "").Code)
	require.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/markets/nope/trades?limit=x", "").Code)
}

type failingRunner struct{}

func (failingRunner) ID() string { return "broken" }

func (failingRunner) RunOnce(context.Context, matcher.Trigger) (*matcher.RunResult, error) {
	return nil, errors.New("claim orders: connection refused")
}

func TestRunFailureReturns500(t *testing.T) {
	e := newTestEnv(t)
	e.server = NewServer(failingRunner{}, e.store, e.hub, Options{}, nil)

	rec := e.do(t, http.MethodPost, "/", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	require.Equal(t, "matcher invocation failed", resp.Error)
	require.Contains(t, resp.Details, "connection refused")
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "apikey, content-type")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	require.Less(t, rec.Code, 300)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decode[map[string]any](t, rec)["status"])

	rec = e.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestWebsocketReceivesBookUpdates(t *testing.T) {
	e := newTestEnv(t)
	go e.hub.Run()
	t.Cleanup(func() { e.hub.Close() })

	ts := httptest.NewServer(e.server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	sub, _ := json.Marshal(WSSubscribeRequest{Op: "subscribe", Channels: []string{OrderbookChannel("rain")}})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sub))

	require.Eventually(t, func() bool {
		e.hub.mu.RLock()
		defer e.hub.mu.RUnlock()
		for c := range e.hub.clients {
			if c.IsSubscribed(OrderbookChannel("rain")) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// another market's update is not delivered
	require.NoError(t, e.hub.Publish(context.Background(), broadcast.Event{MarketID: "snow"}))
	require.NoError(t, e.hub.Publish(context.Background(), broadcast.Event{
		MarketID: "rain",
		OrderID:  "o1",
		Snapshot: &core.OrderBookSnapshot{
			MarketID: "rain",
			Bids:     []core.OrderBookLevel{{PriceTicks: 45, Quantity: 3, OrderCount: 1}},
		},
		At: time.Now(),
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var update OrderbookUpdate
	require.NoError(t, json.NewDecoder(bytes.NewReader(data)).Decode(&update))
	require.Equal(t, "orderbook", update.Type)
	require.Equal(t, "rain", update.MarketID)
	require.Equal(t, []PriceLevel{{Price: 45, Size: 3, Orders: 1}}, update.Bids)
	require.Empty(t, update.Asks)
}
