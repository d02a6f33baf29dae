// Package wsbridge implements the WebSocket bridge: a hub that accepts
// client connections, replays a bounded history of prior output before
// subscribing them to live broadcasts, and keeps connections alive with a
// periodic ping/pong. Inbound control messages other than keepalive_ack
// are passed to the handler given to New; the hub itself does not act on
// them.
package wsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// HistoryCapacity bounds the in-memory ring buffer of broadcast messages
// replayed to a newly-accepted connection.
const HistoryCapacity = 1000

const (
	keepaliveInterval = 30 * time.Second
	sendTimeout       = 5 * time.Second
	staleAfterMisses  = 4
)

// OutboundMessage is one JSON message broadcast to every connected client.
type OutboundMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// InboundHandler processes one control message received from a client.
type InboundHandler func(connID string, msg InboundMessage)

// InboundMessage is one control message a client may send.
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type connection struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	acceptedAt     time.Time
	lastPingSentAt time.Time
	lastActivityAt time.Time
	missedPongs    int
}

// Hub manages every active WebSocket connection and the broadcast history
// replayed to new joiners.
type Hub struct {
	mu          sync.Mutex
	connections map[string]*connection
	history     [][]byte
	historyHead int

	onInbound InboundHandler
}

// New creates an empty Hub. onInbound is invoked on the sending
// connection's read goroutine for every control message a client sends
// (keepalive_ack excepted); it may be nil.
func New(onInbound InboundHandler) *Hub {
	return &Hub{
		connections: make(map[string]*connection),
		onInbound:   onInbound,
	}
}

// Accept takes ownership of conn: it registers a new connection, replays
// history, and starts its read/write pumps. It returns once the
// connection's pumps have both exited.
func (h *Hub) Accept(conn *websocket.Conn) {
	c := &connection{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, HistoryCapacity),
		acceptedAt:     time.Now(),
		lastActivityAt: time.Now(),
	}

	// Queue the replay, oldest first, before any live broadcast can reach
	// the new connection.
	h.mu.Lock()
	h.connections[c.id] = c
	replay := make([][]byte, 0, len(h.history))
	replay = append(replay, h.history[h.historyHead:]...)
	replay = append(replay, h.history[:h.historyHead]...)
	for _, msg := range replay {
		select {
		case c.send <- msg:
		default:
			slog.Warn("dropping replay message, send buffer full", "connection", c.id)
		}
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.writePump(c)
	}()
	go func() {
		defer wg.Done()
		h.readPump(c)
	}()
	wg.Wait()

	h.mu.Lock()
	delete(h.connections, c.id)
	h.mu.Unlock()
}

// maxConcurrentDeliveries bounds how many per-connection send attempts
// Broadcast runs at once, so a hub with thousands of connections doesn't
// spin up thousands of goroutines for a single broadcast.
const maxConcurrentDeliveries = 64

// Broadcast sends msg to every connected client and appends it to the
// replay history, evicting the oldest entry once HistoryCapacity is
// exceeded.
func (h *Hub) Broadcast(msg OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal broadcast message failed", "error", err)
		return
	}

	h.mu.Lock()
	if len(h.history) < HistoryCapacity {
		h.history = append(h.history, data)
	} else {
		h.history[h.historyHead] = data
		h.historyHead = (h.historyHead + 1) % HistoryCapacity
	}
	conns := make([]*connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	sem := semaphore.NewWeighted(maxConcurrentDeliveries)
	g := new(errgroup.Group)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			if err := sem.Acquire(context.Background(), 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			select {
			case c.send <- data:
			default:
				slog.Warn("dropping broadcast, connection send buffer full", "connection", c.id)
			}
			return nil
		})
	}
	g.Wait()
}

// ActiveConnections returns the count of currently connected clients.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

func (h *Hub) writePump(c *connection) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Warn("websocket write failed, closing connection", "connection", c.id, "error", err)
				return
			}
		case <-ticker.C:
			h.mu.Lock()
			c.lastPingSentAt = time.Now()
			stale := time.Since(c.lastActivityAt) > staleAfterMisses*keepaliveInterval
			h.mu.Unlock()
			if stale {
				slog.Warn("connection stale, closing", "connection", c.id)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *connection) {
	defer c.conn.Close()

	c.conn.SetPongHandler(func(string) error {
		h.mu.Lock()
		c.lastActivityAt = time.Now()
		h.mu.Unlock()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		h.mu.Lock()
		c.lastActivityAt = time.Now()
		h.mu.Unlock()

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("discarding malformed inbound message", "connection", c.id, "error", err)
			continue
		}
		if msg.Type == "keepalive_ack" {
			continue
		}
		if h.onInbound != nil {
			h.onInbound(c.id, msg)
		}
	}
}
