// SPDX-License-Identifier: MIT

package control

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camdeck/camdeck/internal/log"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// The API listens on the device LAN only; cross-origin browsers on
// that LAN are the expected clients.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents upgrades to a websocket and relays the event bus. A
// client that cannot keep up has its bus subscription closed and the
// socket is dropped; reconnecting resumes from live state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	logger := log.WithContext(r.Context(), s.logger)

	sub := s.bus.Subscribe()
	defer sub.Close()
	defer conn.Close()

	// Reader discards client frames but notices close and ping/pong.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(1024)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				// Bus dropped us as a slow consumer.
				logger.Warn().Msg("event subscriber dropped, closing websocket")
				s.closeSocket(conn, websocket.ClosePolicyViolation, "event queue overflow")
				s.drainReader(conn, readerDone)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.drainReader(conn, readerDone)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.drainReader(conn, readerDone)
				return
			}
		case <-readerDone:
			return
		case <-r.Context().Done():
			s.closeSocket(conn, websocket.CloseGoingAway, "server shutting down")
			s.drainReader(conn, readerDone)
			return
		}
	}
}

// drainReader unblocks the read goroutine by closing the connection,
// then waits for it. A client that never answers the close handshake
// cannot wedge the handler.
func (s *Server) drainReader(conn *websocket.Conn, readerDone <-chan struct{}) {
	_ = conn.Close()
	<-readerDone
}

func (s *Server) closeSocket(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}
