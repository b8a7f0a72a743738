package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/investshare/portfolio-engine/internal/metrics"
)

func hubClients(h *Hub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHubBroadcastDelivers(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	waitFor(t, "client registration", func() bool { return hubClients(hub) == 1 })

	hub.Broadcast(WSMessage{Type: "trade_executed", PortfolioID: "p1", TradeType: "BUY", Ticker: "AAPL"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"portfolio_id":"p1"`) {
		t.Errorf("payload = %s, want portfolio_id p1", data)
	}
}

func TestHubEvictsDeadClientOnBroadcast(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	// Register the connection directly, without the read pump, so eviction
	// can only happen through the broadcast write path.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.register <- c
	}))
	defer srv.Close()

	conn := dialHub(t, srv)
	waitFor(t, "client registration", func() bool { return hubClients(hub) == 1 })

	// Tear the transport down without a close handshake; the next writes
	// must fail and the hub must drop the client.
	conn.UnderlyingConn().Close()
	waitFor(t, "dead client eviction", func() bool {
		hub.Broadcast(WSMessage{Type: "trade_executed", PortfolioID: "p1"})
		return hubClients(hub) == 0
	})

	if got := testutil.ToFloat64(metrics.WebSocketClients); got != 0 {
		t.Errorf("websocket client gauge = %v, want 0 after eviction", got)
	}
}
