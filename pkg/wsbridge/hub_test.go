package wsbridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, h *Hub) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		h.Accept(conn)
	}))
	t.Cleanup(srv.Close)
	wsURL := "ws" + srv.URL[len("http"):]
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastDeliversToConnectedClient(t *testing.T) {
	h := New(nil)
	_, url := newTestServer(t, h)
	conn := dial(t, url)

	require.Eventually(t, func() bool { return h.ActiveConnections() == 1 }, time.Second, 10*time.Millisecond)

	h.Broadcast(OutboundMessage{Type: "issue_started", Data: map[string]int{"iid": 7}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg OutboundMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "issue_started", msg.Type)
}

func TestAcceptReplaysHistoryToNewConnection(t *testing.T) {
	h := New(nil)
	h.Broadcast(OutboundMessage{Type: "log", Data: "before any client connected"})

	_, url := newTestServer(t, h)
	conn := dial(t, url)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg OutboundMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "log", msg.Type)
}

func TestInboundHandlerReceivesControlMessages(t *testing.T) {
	received := make(chan InboundMessage, 1)
	h := New(func(connID string, msg InboundMessage) {
		received <- msg
	})
	_, url := newTestServer(t, h)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "start_system"}))

	select {
	case msg := <-received:
		assert.Equal(t, "start_system", msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound control message")
	}
}

func TestInboundHandlerIgnoresKeepaliveAck(t *testing.T) {
	received := make(chan InboundMessage, 1)
	h := New(func(connID string, msg InboundMessage) {
		received <- msg
	})
	_, url := newTestServer(t, h)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "keepalive_ack"}))
	require.NoError(t, conn.WriteJSON(InboundMessage{Type: "stop_system"}))

	select {
	case msg := <-received:
		assert.Equal(t, "stop_system", msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound control message")
	}
}

func TestHistoryCapacityEvictsOldestEntry(t *testing.T) {
	h := New(nil)
	for i := 0; i < HistoryCapacity+5; i++ {
		h.Broadcast(OutboundMessage{Type: "tick", Data: i})
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.history, HistoryCapacity)
	// Ticks 0..4 were evicted; the oldest retained entry is tick 5.
	assert.JSONEq(t, `{"type":"tick","data":5}`, string(h.history[h.historyHead]))
}
