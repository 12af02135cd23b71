package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 256 * 1024, // Base64 encoded captures
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades dashboard requests to the capture feed
type Handler struct {
	hub      *CaptureHub
	deviceID string
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *CaptureHub, deviceID string) *Handler {
	return &Handler{hub: hub, deviceID: deviceID}
}

// ServeHTTP handles WebSocket upgrade requests on /ws/captures
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	hello, _ := json.Marshal(StatusMessage{Type: "hello", DeviceID: h.deviceID, Timestamp: time.Now()})
	c := h.hub.register(conn, hello)

	go h.readPump(c)
}

// readPump detects disconnection and keeps the read deadline fresh
func (h *Handler) readPump(c *client) {
	defer h.hub.unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}
