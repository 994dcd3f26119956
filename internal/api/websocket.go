package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Vigil-NVR/VigilNVR/internal/events"
	"github.com/Vigil-NVR/VigilNVR/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 512
)

// newUpgrader builds the connection upgrader honoring the configured
// origins. An empty list or "*" admits every origin.
func newUpgrader(origins []string) websocket.Upgrader {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return allowed[origin]
		},
	}
}

// hub fans marshaled movement events out to websocket clients.
type hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]bool
	closed  bool

	broadcast chan []byte
	quit      chan struct{}
	done      chan struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		logger:    logger.With("component", "websocket"),
		clients:   make(map[*wsClient]bool),
		broadcast: make(chan []byte, 256),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// run pumps broadcasts to every client until stop. Slow clients drop
// messages rather than stall the fan-out.
func (h *hub) run() {
	defer close(h.done)
	for {
		select {
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.logger.Warn("Client buffer full, dropping message")
				}
			}
			h.mu.RUnlock()
		case <-h.quit:
			return
		}
	}
}

// send queues one marshaled event for broadcast.
func (h *hub) send(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("Broadcast channel full, dropping message")
	}
}

// add registers a client, refusing when the hub is stopped.
func (h *hub) add(client *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = true
	metrics.EventClients.WithLabelValues("websocket").Inc()
	h.logger.Debug("Client connected", "total_clients", len(h.clients))
	return true
}

// remove drops a client and closes its send channel. Safe to call
// more than once per client.
func (h *hub) remove(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	metrics.EventClients.WithLabelValues("websocket").Dec()
	h.logger.Debug("Client disconnected", "total_clients", len(h.clients))
}

// stop disconnects every client and ends the broadcast loop.
func (h *hub) stop() {
	h.mu.Lock()
	h.closed = true
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		metrics.EventClients.WithLabelValues("websocket").Dec()
	}
	h.mu.Unlock()

	close(h.quit)
	<-h.done
}

// clientCount returns the number of connected clients.
func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// feedHub forwards movement events into the hub, marshaled once per
// event rather than once per client.
func (s *Server) feedHub(ch chan *events.Event) {
	for event := range ch {
		data, err := json.Marshal(event)
		if err != nil {
			s.logger.Error("Failed to marshal movement event", "error", err)
			continue
		}
		s.hub.send(data)
	}
}

// wsClient is one websocket connection.
type wsClient struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

func (s *Server) handleMovementSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Info("Websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, 64)}

	// Greeting mirrors the SSE stream's connected message. Queued
	// before registration so the hub can never close the channel
	// underneath the send.
	hello := &events.Event{
		ID:        uuid.New().String(),
		Type:      events.TypeConnected,
		Timestamp: time.Now(),
	}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	if !s.hub.add(client) {
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump drains the connection so control frames are processed. The
// movement stream is one-way; inbound payloads are discarded.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("Websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump delivers queued events and keeps the connection alive with
// pings. Pending messages are batched into one frame per write.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
