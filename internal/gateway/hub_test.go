package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot-signals/internal/metrics"
	"tradebot-signals/internal/model"
)

type wsEnvelope struct {
	Channel string               `json:"channel"`
	Data    model.Classification `json:"data"`
	TS      string               `json:"ts"`
	Seq     int64                `json:"seq"`
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env wsEnvelope
	require.NoError(t, json.Unmarshal(msg, &env), "raw: %s", msg)
	return env
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(metrics.NewMetrics(prometheus.NewRegistry()))
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func sig(inst string, idx int, a model.Action) model.Classification {
	return model.Classification{Instrument: inst, Interval: model.Interval1m, Index: idx, Action: a, Score: 1.5}
}

func TestEnvelopeFormat(t *testing.T) {
	now := time.Date(2026, 2, 25, 10, 0, 1, 0, time.UTC)
	c := sig("NSE:2885", 42, model.ActionBuy)
	buf := envelope(Channel(c.Instrument, c.Interval), c.JSON(), now, 7)

	var env wsEnvelope
	require.NoError(t, json.Unmarshal(buf, &env), "raw: %s", buf)
	assert.Equal(t, "signals:NSE:2885:1m", env.Channel)
	assert.Equal(t, int64(7), env.Seq)
	assert.Equal(t, 42, env.Data.Index)
	assert.Equal(t, model.ActionBuy, env.Data.Action)

	parsed, err := time.Parse(time.RFC3339Nano, env.TS)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now))
}

func TestHub_BroadcastsToClients(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.WriteClassification(context.Background(), sig("BTCUSDT", 3, model.ActionSell)))

	env := read(t, conn)
	assert.Equal(t, "signals:BTCUSDT:1m", env.Channel)
	assert.Equal(t, int64(1), env.Seq)
	assert.Equal(t, model.ActionSell, env.Data.Action)
}

func TestHub_InstrumentFilter(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "?instrument=ETHUSDT")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	hub.WriteClassification(ctx, sig("BTCUSDT", 1, model.ActionBuy))
	hub.WriteClassification(ctx, sig("ETHUSDT", 2, model.ActionBuy))

	env := read(t, conn)
	assert.Equal(t, "signals:ETHUSDT:1m", env.Channel)
	assert.Equal(t, int64(2), env.Seq)
}

func TestHub_LatestOnConnectAndSinceBackfill(t *testing.T) {
	hub, srv := newTestHub(t)
	ctx := context.Background()
	hub.WriteClassification(ctx, sig("BTCUSDT", 1, model.ActionBuy))
	hub.WriteClassification(ctx, sig("BTCUSDT", 2, model.ActionSell))
	hub.WriteClassification(ctx, sig("BTCUSDT", 3, model.ActionBuy))

	// fresh client: only the latest per channel
	latest := read(t, dial(t, srv, ""))
	assert.Equal(t, 3, latest.Data.Index)

	// reconnecting client: everything after seq 1
	conn := dial(t, srv, "?since=1")
	assert.Equal(t, int64(2), read(t, conn).Seq)
	assert.Equal(t, int64(3), read(t, conn).Seq)
}

func TestHub_RejectsBadSince(t *testing.T) {
	_, srv := newTestHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?since=abc"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestHub_RelayAndDisconnect(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	in := make(chan model.Classification, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Relay(ctx, in)
	in <- sig("X", 9, model.ActionBuy)
	assert.Equal(t, 9, read(t, conn).Data.Index)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RelayForwardsUntilInputCloses(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	in := make(chan model.Classification, 2)
	in <- sig("NSE:2885", 1, model.ActionBuy)
	in <- sig("NSE:2885", 2, model.ActionSell)
	close(in)
	done := make(chan struct{})
	go func() {
		hub.Relay(context.Background(), in)
		close(done)
	}()

	assert.Equal(t, 1, read(t, conn).Data.Index)
	assert.Equal(t, 2, read(t, conn).Data.Index)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Relay did not return after its input closed")
	}
}
