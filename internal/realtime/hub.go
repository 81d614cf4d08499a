// Package realtime pushes live transaction and escrow activity to connected
// agents over WebSocket. Delivery is best-effort: an agent with no open
// connection, or one that cannot keep up, simply misses the push. Webhooks
// and the activity log are the durable channels.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskbay/taskbay/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Client is one authenticated WebSocket connection.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	agentID string
	send    chan []byte
}

// Hub routes pushes to the connections of a specific agent. An agent may
// hold several connections at once; every one of them receives the push.
type Hub struct {
	clients    map[*Client]bool
	byAgent    map[string]map[*Client]bool
	push       chan push
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalPushes  atomic.Int64
	totalClients atomic.Int64
}

type push struct {
	agentID string
	payload []byte
}

// NewHub creates a push hub. Call Run before accepting connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byAgent:    make(map[string]map[*Client]bool),
		push:       make(chan push, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run is the hub's main loop. It owns the client maps and exits when ctx is
// cancelled, closing every open connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				h.drop(client)
			}
			h.mu.Unlock()
			metrics.ActivePushClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if h.byAgent[client.agentID] == nil {
				h.byAgent[client.agentID] = make(map[*Client]bool)
			}
			h.byAgent[client.agentID][client] = true
			h.totalClients.Add(1)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActivePushClients.Set(float64(n))
			h.logger.Info("push client connected", "agentId", client.agentID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				close(client.send)
				h.drop(client)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActivePushClients.Set(float64(n))
			h.logger.Info("push client disconnected", "agentId", client.agentID, "total", n)

		case p := <-h.push:
			h.totalPushes.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.byAgent[p.agentID] {
				select {
				case client.send <- p.payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						h.drop(client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// drop removes a client from both maps. Caller holds the write lock.
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	if set := h.byAgent[client.agentID]; set != nil {
		delete(set, client)
		if len(set) == 0 {
			delete(h.byAgent, client.agentID)
		}
	}
}

// Push queues a payload for every open connection of the agent. It never
// blocks: when the queue is full the payload is dropped.
func (h *Hub) Push(agentID string, payload []byte) {
	select {
	case h.push <- push{agentID: agentID, payload: payload}:
	default:
		h.logger.Warn("push channel full, dropping event", "agentId", agentID)
	}
}

// Stats returns hub statistics for the health endpoint.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"connectedAgents":  len(h.byAgent),
		"totalPushes":      h.totalPushes.Load(),
		"totalClients":     h.totalClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket for an already-authenticated
// agent.
func (h *Hub) HandleWebSocket(agentID string, w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		agentID: agentID,
		send:    make(chan []byte, 64),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains inbound frames to keep the connection's pong handler
// running. Clients have nothing meaningful to send.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump writes queued pushes and keepalive pings to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
