package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gridmaker/internal/core"
	"gridmaker/internal/mock"
	apperrors "gridmaker/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// bridge is a fake venue bridge serving the REST and stream endpoints
func bridge(t *testing.T, signed *atomic.Int32) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/accounts/1.2.100/orders", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"1.7.5","type":"buy","price":"0.99","size":"10"}]`))
	})
	mux.HandleFunc("/accounts/1.2.100/balances", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"asset":"1.3.0","free":"5","total":"20"},{"asset":"1.3.121","free":"7","total":"30"}]`))
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Signature") != "" {
			signed.Add(1)
		}
		var body orderBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !body.MinReceive.Equal(d("5")) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"orderId":"1.7.9"}`))
	})
	mux.HandleFunc("/orders/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/batch", func(w http.ResponseWriter, r *http.Request) {
		var body batchBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		resp := batchResponse{}
		for _, op := range body.Operations {
			id := op.OrderID
			if id == "" {
				id = "1.7.10"
			}
			resp.Results = append(resp.Results, struct {
				OrderID string          `json:"orderId"`
				Fee     decimal.Decimal `json:"fee"`
			}{OrderID: id, Fee: d("0.01")})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var sub streamRequest
			if err := conn.ReadJSON(&sub); err != nil {
				return
			}
			if sub.Op != "subscribe" {
				continue
			}
			_ = conn.WriteJSON(streamMessage{Type: "fills", Account: "1.2.999", Fills: []core.FillEvent{
				{OrderID: "1.7.9", BlockNum: 6, EventID: "x", Paid: d("1")},
			}})
			_ = conn.WriteJSON(streamMessage{Type: "fills", Account: sub.Account, Fills: []core.FillEvent{
				{OrderID: "1.7.5", BlockNum: 7, EventID: sub.Account, IsMaker: true, Paid: d("1")},
			}})
		}
	})
	return httptest.NewServer(mux)
}

func newRemote(server *httptest.Server) *RemoteGateway {
	return NewRemoteGateway(Options{
		BaseURL:        server.URL,
		StreamURL:      "ws" + strings.TrimPrefix(server.URL, "http") + "/stream",
		RequestTimeout: time.Second,
		RateLimit:      100,
		RateBurst:      10,
		BaseAsset:      "1.3.0",
		QuoteAsset:     "1.3.121",
	}, mock.NewLogger())
}

func TestRemoteGateway_Reads(t *testing.T) {
	var signed atomic.Int32
	server := bridge(t, &signed)
	defer server.Close()
	g := newRemote(server)
	ctx := context.Background()

	require.NoError(t, g.CheckHealth(ctx))

	orders, err := g.ReadOpenOrders(ctx, "1.2.100")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, core.OrderTypeBuy, orders[0].Type)
	assert.True(t, orders[0].Price.Equal(d("0.99")))

	b, err := g.ReadBalances(ctx, "1.2.100")
	require.NoError(t, err)
	assert.True(t, b.Total.Buy.Equal(d("30")))
	assert.True(t, b.Free.Sell.Equal(d("5")))
	assert.Equal(t, core.FillModeHistory, g.FillProcessingMode())
}

func TestRemoteGateway_Mutations(t *testing.T) {
	var signed atomic.Int32
	server := bridge(t, &signed)
	defer server.Close()
	g := newRemote(server)
	ctx := context.Background()

	req := core.OrderRequest{Type: core.OrderTypeSell, Price: d("0.5"), Size: d("10"), SellAssetID: "1.3.0", ReceiveAssetID: "1.3.121"}
	id, err := g.CreateOrder(ctx, "1.2.100", "secret", req)
	require.NoError(t, err)
	assert.Equal(t, "1.7.9", id)
	assert.Equal(t, int32(1), signed.Load())

	_, err = g.CreateOrder(ctx, "1.2.100", "", req)
	assert.ErrorIs(t, err, apperrors.ErrMissingCredentials)

	err = g.CancelOrder(ctx, "1.2.100", "secret", "1.7.404")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)

	create, err := g.BuildCreateOrderOp("1.2.100", req)
	require.NoError(t, err)
	update, err := g.BuildUpdateOrderOp("1.2.100", "1.7.5", req)
	require.NoError(t, err)
	_, err = g.BuildUpdateOrderOp("1.2.100", "", req)
	assert.Error(t, err)

	results, err := g.ExecuteBatch(ctx, "1.2.100", "secret", []core.Operation{create, update})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "1.7.10", results[0].OrderID)
	assert.Equal(t, "1.7.5", results[1].OrderID)
	assert.True(t, results[1].Fee.Equal(d("0.01")))
}

func TestRemoteGateway_ListenForFills(t *testing.T) {
	var signed atomic.Int32
	server := bridge(t, &signed)
	defer server.Close()
	g := newRemote(server)
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []core.FillEvent, 1)
	require.NoError(t, g.ListenForFills(ctx, "1.2.100", func(fills []core.FillEvent) {
		received <- fills
	}))

	select {
	case fills := <-received:
		require.Len(t, fills, 1)
		assert.Equal(t, "1.7.5:7:1.2.100", fills[0].Key())
	case <-time.After(3 * time.Second):
		t.Fatal("fills not received")
	}
}

func TestRemoteGateway_AccountsShareOneStream(t *testing.T) {
	var signed atomic.Int32
	server := bridge(t, &signed)
	defer server.Close()
	g := newRemote(server)
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan []core.FillEvent, 4)
	second := make(chan []core.FillEvent, 4)
	require.NoError(t, g.ListenForFills(ctx, "1.2.100", func(fills []core.FillEvent) { first <- fills }))
	require.NoError(t, g.ListenForFills(ctx, "1.2.200", func(fills []core.FillEvent) { second <- fills }))
	assert.Error(t, g.ListenForFills(ctx, "1.2.100", func([]core.FillEvent) {}))

	for _, tc := range []struct {
		ch      chan []core.FillEvent
		account string
	}{{first, "1.2.100"}, {second, "1.2.200"}} {
		select {
		case fills := <-tc.ch:
			require.Len(t, fills, 1)
			assert.Equal(t, "1.7.5:7:"+tc.account, fills[0].Key())
		case <-time.After(3 * time.Second):
			t.Fatalf("fills for %s not received", tc.account)
		}
	}

	require.Eventually(t, func() bool { return g.stream().Sessions() == 1 }, time.Second, 10*time.Millisecond)
	assert.Len(t, first, 0, "foreign account fills are not delivered")
	assert.Len(t, second, 0)
}

func TestDryRunGateway_OverlaysMutations(t *testing.T) {
	inner := mock.NewExchange()
	inner.AddOrder(core.RemoteOrder{ID: "b0", Type: core.OrderTypeBuy, Price: d("0.99"), Size: d("10")})
	inner.AddOrder(core.RemoteOrder{ID: "b1", Type: core.OrderTypeBuy, Price: d("0.98"), Size: d("10")})
	g := NewDryRunGateway(inner, mock.NewLogger())
	ctx := context.Background()

	id, err := g.CreateOrder(ctx, "acct", "key", core.OrderRequest{Type: core.OrderTypeSell, Price: d("1.01"), Size: d("10")})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "dry-"))
	require.NoError(t, g.CancelOrder(ctx, "acct", "key", "b1"))

	op, err := g.BuildUpdateOrderOp("acct", "b0", core.OrderRequest{Type: core.OrderTypeBuy, Price: d("0.97"), Size: d("12")})
	require.NoError(t, err)
	results, err := g.ExecuteBatch(ctx, "acct", "key", []core.Operation{op})
	require.NoError(t, err)
	assert.Equal(t, "b0", results[0].OrderID)

	assert.Equal(t, 0, inner.MutationCount())
	assert.Len(t, inner.Orders(), 2)

	open, err := g.ReadOpenOrders(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "b0", open[0].ID)
	assert.True(t, open[0].Price.Equal(d("0.97")))
	assert.Equal(t, id, open[1].ID)

	assert.ErrorIs(t, g.CancelOrder(ctx, "acct", "key", "b1"), apperrors.ErrOrderNotFound)
}
