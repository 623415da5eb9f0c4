package notify

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub bridges broker rooms to websocket clients. Clients connect to
// /ws?session_id=<id> and receive the room's envelopes as JSON.
type Hub struct {
	broker   *Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHub creates a websocket hub on the given broker.
func NewHub(broker *Broker, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		broker: broker,
		logger: logger.With("component", "notify-hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Origin checks belong to the fronting HTTP layer.
				return true
			},
		},
	}
}

// ServeHTTP upgrades the connection and streams session envelopes until
// the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sub := h.broker.Subscribe(sessionID, 64)
	h.logger.Debug("subscriber connected", "session_id", sessionID)

	go h.writePump(conn, sub, sessionID)
	h.readPump(conn, sub, sessionID)
}

// readPump drains client frames so close/pong control messages are
// processed; inbound data frames are ignored.
func (h *Hub) readPump(conn *websocket.Conn, sub *Subscription, sessionID string) {
	defer func() {
		sub.Close()
		_ = conn.Close()
	}()

	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.logger.Debug("subscriber disconnected", "session_id", sessionID, "error", err)
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *Subscription, sessionID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case envelope, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(envelope); err != nil {
				h.logger.Debug("write to subscriber failed", "session_id", sessionID, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
