package http

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxInboundMessage = 512
)

// streamWebSocket upgrades the request and writes every value from updates
// as a JSON text message. The stream ends when updates closes, the client
// disconnects or a write fails.
func streamWebSocket[T any](s *Server, w http.ResponseWriter, r *http.Request, updates <-chan T) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return // Upgrade already replied
	}
	defer conn.Close()

	// The read loop only services control frames and notices the client leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(maxInboundMessage)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case v, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
				return
			}
			if err := conn.WriteJSON(v); err != nil {
				s.logger.Debug("websocket write failed, dropping client", "path", r.URL.Path, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
