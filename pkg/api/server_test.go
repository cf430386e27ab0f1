package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/crossbook/params"
	"github.com/uhyunpark/crossbook/pkg/app/core/transaction"
	"github.com/uhyunpark/crossbook/pkg/app/exchange"
	"github.com/uhyunpark/crossbook/pkg/crypto"
	"github.com/uhyunpark/crossbook/pkg/metrics"
	"github.com/uhyunpark/crossbook/pkg/storage"
)

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	signer *crypto.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewPebbleStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := zaptest.NewLogger(t).Sugar()
	m := metrics.New()
	ex := exchange.New(store, exchange.WithLogger(log), exchange.WithMetrics(m))
	srv := NewServer(ex, params.Default().API, m, log)
	ex.OnMatch = srv.BroadcastFill

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &testEnv{srv: srv, http: ts, signer: signer}
}

func (e *testEnv) tradeBody(t *testing.T, sell, sellCcy, buy, buyCcy string) []byte {
	t.Helper()
	p := transaction.Payload{
		SenderPK:     e.signer.Address().Hex(),
		ReceiverPK:   e.signer.Address().Hex(),
		BuyCurrency:  buyCcy,
		SellCurrency: sellCcy,
		BuyAmount:    json.Number(buy),
		SellAmount:   json.Number(sell),
		Platform:     transaction.PlatformEthereum,
	}
	sig, err := p.SignEthereum(e.signer)
	require.NoError(t, err)
	b, err := json.Marshal(transaction.Request{Sig: sig, Payload: p})
	require.NoError(t, err)
	return b
}

func (e *testEnv) postTrade(t *testing.T, body []byte) bool {
	t.Helper()
	resp, err := http.Post(e.http.URL+"/trade", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var accepted bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	return accepted
}

func (e *testEnv) get(t *testing.T, path string) []byte {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

func TestTradeAndOrderBook(t *testing.T) {
	env := newTestEnv(t)

	assert.True(t, env.postTrade(t, env.tradeBody(t, "100", "A", "50", "B")))
	assert.True(t, env.postTrade(t, env.tradeBody(t, "20", "B", "30", "A")))

	var book struct {
		Data []map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(env.get(t, "/order_book"), &book))
	require.Len(t, book.Data, 3)

	for _, row := range book.Data {
		assert.Len(t, row, 7)
		for _, key := range []string{"sender_pk", "receiver_pk", "buy_currency", "sell_currency", "buy_amount", "sell_amount", "signature"} {
			assert.Contains(t, row, key)
		}
	}

	// amounts are JSON numbers, the residual is listed with an empty signature
	residual := book.Data[2]
	assert.Equal(t, "30", string(residual["buy_amount"]))
	assert.Equal(t, "60", string(residual["sell_amount"]))
	assert.Equal(t, `""`, string(residual["signature"]))
}

func TestTradeRejectsMalformedJSON(t *testing.T) {
	env := newTestEnv(t)

	assert.False(t, env.postTrade(t, []byte(`{"sig": `)))
	assert.False(t, env.postTrade(t, []byte(`[]`)))

	var audit struct {
		Data []struct {
			Reason  string          `json:"reason"`
			Request json.RawMessage `json:"request"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(env.get(t, "/audit_log"), &audit))
	require.Len(t, audit.Data, 2)
	assert.Equal(t, exchange.ReasonDecode, audit.Data[0].Reason)
	assert.JSONEq(t, `{"raw": "{\"sig\": "}`, string(audit.Data[0].Request))

	var book OrderBookResponse
	require.NoError(t, json.Unmarshal(env.get(t, "/order_book"), &book))
	assert.NotNil(t, book.Data)
	assert.Empty(t, book.Data)
}

func TestTradeWrongMethod(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/trade")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest("GET", env.http.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get(HeaderRequestID))

	resp2, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Len(t, resp2.Header.Get(HeaderRequestID), 36)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest("OPTIONS", env.http.URL+"/trade", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.test")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	assert.False(t, env.postTrade(t, []byte(`nope`)))

	body := string(env.get(t, "/metrics"))
	assert.Contains(t, body, `crossbook_submissions_total{outcome="decode"} 1`)
}

func TestFillFeed(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{pairChannel("A|B")}}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ack WSAck
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack.Type)

	// fills on another pair must not reach this subscriber
	assert.True(t, env.postTrade(t, env.tradeBody(t, "1", "C", "1", "D")))
	assert.True(t, env.postTrade(t, env.tradeBody(t, "1", "D", "1", "C")))

	assert.True(t, env.postTrade(t, env.tradeBody(t, "100", "A", "50", "B")))
	assert.True(t, env.postTrade(t, env.tradeBody(t, "50", "B", "100", "A")))

	var fill FillUpdate
	require.NoError(t, conn.ReadJSON(&fill))
	assert.Equal(t, "fill", fill.Type)
	assert.Equal(t, "exact", fill.Kind)
	assert.Equal(t, uint64(4), fill.New.ID)
	assert.Equal(t, uint64(3), fill.Existing.ID)
	assert.Equal(t, json.Number("100"), fill.Existing.SellAmount)
	assert.Nil(t, fill.Residual)
}

func TestFillFeedSubscriptions(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ack WSAck
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{ChannelFills, "orders", "fills:"}}))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, []string{ChannelFills}, ack.Channels)

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "unsubscribe", Channels: []string{ChannelFills}}))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "unsubscribed", ack.Type)

	// fills are published before /trade responds, so none may arrive ahead of the next ack
	assert.True(t, env.postTrade(t, env.tradeBody(t, "100", "A", "50", "B")))
	assert.True(t, env.postTrade(t, env.tradeBody(t, "50", "B", "100", "A")))

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{pairChannel("A|B")}}))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "subscribed", msg["type"])

	var health HealthResponse
	require.NoError(t, json.Unmarshal(env.get(t, "/health"), &health))
	assert.Equal(t, 1, health.WSClients)
}
