package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	plog "porchwatch/internal/log"
	"porchwatch/internal/pipeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

// client is one websocket connection with its own writer goroutine
type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// CaptureHub fans capture reports out to dashboard websocket clients.
// Publishing never blocks: a client whose buffer is full is dropped.
type CaptureHub struct {
	clients      map[*client]bool
	mu           sync.RWMutex
	includeImage bool
	logger       *slog.Logger
}

// NewCaptureHub creates a hub. includeImage attaches the redacted capture
// to every message.
func NewCaptureHub(includeImage bool) *CaptureHub {
	return &CaptureHub{
		clients:      make(map[*client]bool),
		includeImage: includeImage,
		logger:       plog.Component("ws"),
	}
}

// register adds a connection and starts its writer. greeting, when set, is
// the first message the client receives.
func (h *CaptureHub) register(conn *websocket.Conn, greeting []byte) *client {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if greeting != nil {
		c.send <- greeting
	}

	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	go h.writePump(c)
	h.logger.Debug("client registered", "remote", conn.RemoteAddr().String(), "total", total)
	return c
}

// unregister removes a connection and stops its writer
func (h *CaptureHub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// Broadcast queues message for every client
func (h *CaptureHub) Broadcast(message []byte) {
	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- message:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client", "remote", c.conn.RemoteAddr().String())
		h.unregister(c)
	}
}

// OnCapture publishes a capture report to connected clients
func (h *CaptureHub) OnCapture(report *pipeline.CaptureReport) {
	if h.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(NewCaptureMessage(report, h.includeImage))
	if err != nil {
		h.logger.Error("failed to marshal capture message", "capture_id", report.ID, "error", err)
		return
	}
	h.Broadcast(data)
}

// ClientCount returns the number of connected clients
func (h *CaptureHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *CaptureHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// writePump is the only writer on the connection
func (h *CaptureHub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("websocket write failed", "error", err)
				h.unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

var _ pipeline.CaptureHandler = (*CaptureHub)(nil)
