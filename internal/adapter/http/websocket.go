package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/couchcryptid/storm-stream-client/internal/domain"
	"github.com/couchcryptid/storm-stream-client/internal/state"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 512
	clientBuffer   = 64
)

// Message types pushed to WebSocket clients.
const (
	MessageSnapshot = "snapshot"
	MessageUpdate   = "update"
	MessageRemoved  = "removed"
)

// WSMessage is one frame of the region change feed. Snapshot frames carry the
// whole state map in Regions; update frames carry Data.
type WSMessage struct {
	Type    string                             `json:"type"`
	Region  string                             `json:"region,omitempty"`
	Data    *domain.NormalizedUpdate           `json:"data,omitempty"`
	Regions map[string]domain.NormalizedUpdate `json:"regions,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func changeMessage(c state.Change) WSMessage {
	if c.Removed {
		return WSMessage{Type: MessageRemoved, Region: c.Region}
	}
	update := c.Update
	return WSMessage{Type: MessageUpdate, Region: c.Region, Data: &update}
}

// handleWebSocket streams the state snapshot followed by every change. A
// client that falls behind by more than clientBuffer changes is disconnected.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.opts.Metrics.WebSocketClients.Inc()
	defer s.opts.Metrics.WebSocketClients.Dec()

	send := make(chan WSMessage, clientBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once

	unsubscribe := s.opts.Store.Subscribe(func(c state.Change) {
		select {
		case send <- changeMessage(c):
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	if err := writeFrame(conn, WSMessage{Type: MessageSnapshot, Regions: s.opts.Store.Snapshot()}); err != nil {
		return
	}

	closed := make(chan struct{})
	go readUntilClosed(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-send:
			if err := writeFrame(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-overflow:
			s.logger.Warn("websocket client too slow, disconnecting", "remote", r.RemoteAddr)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
				time.Now().Add(writeWait))
			return
		case <-closed:
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, msg WSMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// readUntilClosed consumes control frames so pongs and the close handshake are
// processed. Inbound data frames are ignored.
func readUntilClosed(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
