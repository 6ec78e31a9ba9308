// Package realtime streams session integrity updates over WebSocket.
//
// Proctor dashboards subscribe instead of polling: violations, risk
// changes, alerts, and lifecycle transitions arrive as the watcher
// emits them. The hub implements watcher.Notifier, so it plugs
// straight into the monitoring pipeline.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/promora/proctor/internal/event"
	"github.com/promora/proctor/internal/metrics"
	"github.com/promora/proctor/internal/watcher"
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
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Subscription filters for a client. Empty SessionIDs means every
// session; empty EventTypes means every notification type. The include
// flags gate event.observed notifications for file and terminal
// activity, which are far too chatty to stream by default.
type Subscription struct {
	SessionIDs            []string `json:"sessionIds"`
	EventTypes            []string `json:"eventTypes"`
	IncludeFileOperations bool     `json:"includeFileOperations"`
	IncludeTerminalEvents bool     `json:"includeTerminalEvents"`
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the default cap on concurrent WebSocket connections.
const MaxClients = 1000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan watcher.Notification
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalNotes   atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan watcher.Notification, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// WithMaxClients overrides the connection cap. Values <= 0 keep the default.
func (h *Hub) WithMaxClients(n int) *Hub {
	if n > 0 {
		h.maxClients = n
	}
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("watch client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("watch client disconnected", "total", n)

		case note := <-h.broadcast:
			h.totalNotes.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if client.wants(note) {
					select {
					case client.send <- serialize(note):
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// wants reports whether the notification passes the client's filters.
func (c *Client) wants(note watcher.Notification) bool {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	if len(sub.SessionIDs) > 0 {
		matched := false
		for _, id := range sub.SessionIDs {
			if id == note.SessionID {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(sub.EventTypes) > 0 {
		matched := false
		for _, t := range sub.EventTypes {
			if t == note.Type {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	// event.observed for file and terminal activity is opt-in.
	if note.Type == watcher.NoteEventObserved && note.Event != nil {
		switch note.Event.Type {
		case event.TypeFileOp:
			return sub.IncludeFileOperations
		case event.TypeTerminal:
			return sub.IncludeTerminalEvents
		}
	}

	return true
}

func serialize(note watcher.Notification) []byte {
	data, _ := json.Marshal(note)
	return data
}

// Broadcast queues a notification for all matching clients. It never
// blocks; when the hub is saturated the notification is dropped.
func (h *Hub) Broadcast(note watcher.Notification) {
	select {
	case h.broadcast <- note:
	default:
		h.logger.Warn("broadcast channel full, dropping notification",
			"type", note.Type, "sessionId", note.SessionID)
	}
}

// Notify implements watcher.Notifier.
func (h *Hub) Notify(note watcher.Notification) {
	h.Broadcast(note)
}

var _ watcher.Notifier = (*Hub)(nil)

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients":  len(h.clients),
		"notificationsSent": h.totalNotes.Load(),
		"totalClients":      h.totalClients.Load(),
		"peakClients":       h.peakClients.Load(),
	}
}

// Healthy reports whether the hub loop is still running.
func (h *Hub) Healthy() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
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
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		// Zero-value subscription: every session, every type, no
		// file/terminal event.observed until the client opts in.
	}

	h.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump reads messages from WebSocket (subscription updates, pongs)
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024) // subscription updates are small
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		// Parse subscription update
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
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
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
