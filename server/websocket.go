package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itsneelabh/metarouter/core"
	"github.com/itsneelabh/metarouter/registry"
	"github.com/itsneelabh/metarouter/routing"
	"github.com/itsneelabh/metarouter/stream"
	"github.com/itsneelabh/metarouter/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	metricsPushInterval = 5 * time.Second
	healthPushInterval  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The router sits behind the gateway; origin policy is enforced there.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// pushMessage is the envelope for every server-to-client frame.
type pushMessage struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// clientCommand is what subscribers may send: chunk submissions into a
// stream session, or session lifecycle hints.
type clientCommand struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Hub tracks WebSocket subscribers and runs the periodic push loops.
type Hub struct {
	router   *routing.Router
	registry *registry.Registry
	bus      *stream.Bus
	metrics  *telemetry.Metrics
	logger   core.Logger

	mu      sync.Mutex
	clients map[*client]bool

	ctx    context.Context
	cancel context.CancelFunc
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan pushMessage
}

// NewHub creates the hub; Start launches its push loops.
func NewHub(router *routing.Router, reg *registry.Registry, bus *stream.Bus, metrics *telemetry.Metrics, logger core.Logger) *Hub {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Hub{
		router:   router,
		registry: reg,
		bus:      bus,
		metrics:  metrics,
		logger:   logger,
		clients:  make(map[*client]bool),
	}
}

// Start runs the metrics and health broadcast tickers.
func (h *Hub) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)

	go h.pushLoop(metricsPushInterval, func() pushMessage {
		return pushMessage{Type: "metrics", Payload: h.router.GetMetrics()}
	})
	go h.pushLoop(healthPushInterval, func() pushMessage {
		return pushMessage{Type: "health", Payload: h.registry.AllHealth()}
	})
}

// Stop disconnects every subscriber.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

func (h *Hub) pushLoop(interval time.Duration, build func() pushMessage) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(build())
		}
	}
}

func (h *Hub) broadcast(msg pushMessage) {
	msg.Timestamp = time.Now().UTC()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Slow consumer; drop the frame rather than block the hub.
		}
	}
}

// HandleUpgrade upgrades the connection and registers the subscriber.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", map[string]interface{}{
			"operation": "ws_upgrade",
			"error":     err.Error(),
		})
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan pushMessage, 64)}
	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
	}
	h.logger.Info("WebSocket client connected", map[string]interface{}{
		"operation": "ws_connect",
		"clients":   count,
	})

	go c.writePump()
	go c.readPump()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveConnections.Dec()
	}
}

// readPump consumes client commands until the socket closes.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *client) handleCommand(cmd clientCommand) {
	if c.hub.bus == nil || cmd.SessionID == "" {
		return
	}
	switch cmd.Type {
	case "chunk":
		session := c.hub.bus.Open(cmd.SessionID)
		c.forwardSessionEvents(session)
		ctx, cancel := context.WithTimeout(c.hub.ctx, 30*time.Second)
		defer cancel()
		if err := session.Submit(ctx, cmd.Text); err != nil {
			c.hub.logger.Warn("Stream chunk rejected", map[string]interface{}{
				"operation":  "ws_chunk",
				"session_id": cmd.SessionID,
				"error":      err.Error(),
			})
		}
	case "close":
		c.hub.bus.Close(cmd.SessionID)
	}
}

// forwardSessionEvents pipes the session's event channel into this client.
// A session has one event stream, so only the first subscriber starts the
// forwarder; it runs until the session ends.
func (c *client) forwardSessionEvents(session *stream.Session) {
	if !session.Claim() {
		return
	}
	go func() {
		for {
			select {
			case <-session.Done():
				return
			case <-c.hub.ctx.Done():
				return
			case ev := <-session.Events():
				payload := pushMessage{Type: "stream", Payload: ev, Timestamp: time.Now().UTC()}
				select {
				case c.send <- payload:
				default:
				}
			}
		}
	}()
}

// writePump delivers queued frames and keeps the connection alive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
