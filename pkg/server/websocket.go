package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	EnableCompression: true,
	// Auth and origin policy live in front of this server; the delivery
	// core accepts any upgrade and trusts the auth event
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades an HTTP request and runs the session's read
// loop until the connection drops
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade writes the HTTP error response itself
		debugLog.Printf("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	sess := s.registry.Register(NewSafeConn(conn), r.RemoteAddr, time.Now().UnixMilli())
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New WebSocket connection from %s (session %d)", r.RemoteAddr, sess.ID)

	go s.readLoop(sess)
}
