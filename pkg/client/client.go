// Package client is a small WebSocket client for the drift delivery
// protocol, used by the load tester and by integration harnesses. It
// handles envelope framing and connection-level concurrency; consumers
// read pushed events from a channel.
package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftmsg/drift/pkg/protocol"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	eventBuffer  = 256
)

// Conn is one live connection to a drift server. Sends are safe from
// multiple goroutines; received envelopes arrive on Events in order.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex // protects writes

	events chan protocol.Envelope
	errs   chan error
	done   chan struct{}

	closeOnce sync.Once
}

// Dial connects to a drift server's /ws endpoint. addr is host:port.
func Dial(addr string) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  dialTimeout,
		EnableCompression: true,
	}
	ws, _, err := dialer.Dial(fmt.Sprintf("ws://%s/ws", addr), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Conn{
		ws:     ws,
		events: make(chan protocol.Envelope, eventBuffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case c.errs <- err:
			default:
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Skip frames we can't parse; the server owns the protocol
			continue
		}
		c.events <- env
	}
}

// Events returns the stream of server pushes. The channel closes when the
// connection drops; Err then reports why.
func (c *Conn) Events() <-chan protocol.Envelope {
	return c.events
}

// Err returns the read error that ended the connection, if any
func (c *Conn) Err() error {
	select {
	case err := <-c.errs:
		return err
	default:
		return nil
	}
}

// Send encodes and writes one event
func (c *Conn) Send(eventType string, payload interface{}) error {
	data, err := protocol.Encode(eventType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Authenticate binds a user identity to this connection
func (c *Conn) Authenticate(userID int64) error {
	return c.Send(protocol.TypeAuth, protocol.AuthEvent{UserID: userID})
}

// Subscribe opts in to real-time pushes for a conversation
func (c *Conn) Subscribe(conversationID int64) error {
	return c.Send(protocol.TypeSubscribe, protocol.SubscribeEvent{ConversationID: conversationID})
}

// Unsubscribe opts out of a conversation's pushes
func (c *Conn) Unsubscribe(conversationID int64) error {
	return c.Send(protocol.TypeUnsubscribe, protocol.UnsubscribeEvent{ConversationID: conversationID})
}

// SendMessage posts a message; localID is echoed back on the fan-out push
func (c *Conn) SendMessage(conversationID int64, content string, parentID *int64, localID string) error {
	return c.Send(protocol.TypeMessage, protocol.MessageEvent{
		ConversationID: conversationID,
		Content:        content,
		ParentID:       parentID,
		LocalID:        localID,
	})
}

// MarkRead marks a single message read
func (c *Conn) MarkRead(messageID int64) error {
	return c.Send(protocol.TypeMarkRead, protocol.MarkReadEvent{MessageID: messageID})
}

// MarkAllRead marks a whole conversation read
func (c *Conn) MarkAllRead(conversationID int64) error {
	return c.Send(protocol.TypeMarkAllRead, protocol.MarkAllReadEvent{ConversationID: conversationID})
}

// Ping sends a liveness probe; the server answers with a pong event
func (c *Conn) Ping() error {
	return c.Send(protocol.TypePing, nil)
}

// Close tears the connection down and waits for the reader to exit
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
		<-c.done
	})
	return err
}
