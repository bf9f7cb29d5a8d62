package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftmsg/drift/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// SafeConn wraps a websocket connection with automatic write
// synchronization.
//
// Under load, multiple goroutines (the connection's handler and fan-out
// senders) may try to write to the same connection simultaneously; the
// websocket package forbids concurrent writers. SafeConn encapsulates the
// connection and its write mutex so writing without synchronization is
// impossible.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a websocket connection with write synchronization
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteEvent encodes and sends one protocol envelope
func (sc *SafeConn) WriteEvent(eventType string, payload interface{}) error {
	data, err := protocol.Encode(eventType, payload)
	if err != nil {
		return err
	}
	return sc.WriteBytes(data)
}

// WriteBytes writes a pre-encoded frame. Used by fan-out, which encodes
// the frame once and writes it to every recipient.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame reads the next frame from the connection. Reads don't need
// write synchronization; each connection has a single reader goroutine.
func (sc *SafeConn) ReadFrame() ([]byte, error) {
	_, data, err := sc.conn.ReadMessage()
	return data, err
}

// WriteClose sends a close control frame with the given reason so clients
// can distinguish a server shutdown from a dropped connection. The caller
// still closes the connection afterwards.
func (sc *SafeConn) WriteClose(reason string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	return sc.conn.WriteMessage(websocket.CloseMessage, msg)
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address as a string
func (sc *SafeConn) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}
