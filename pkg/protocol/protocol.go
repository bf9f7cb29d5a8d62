// Package protocol defines the JSON wire protocol spoken over the
// persistent client socket. Every frame is one Envelope; payloads form a
// closed tagged union so the dispatch site can switch exhaustively and
// adding a new event type is a compile-time decision.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client→server event types
const (
	TypeAuth        = "auth"
	TypeMessage     = "message"
	TypePing        = "ping"
	TypeMarkRead    = "mark_read"
	TypeMarkAllRead = "mark_all_read"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Server→client event types (TypeMessage is shared: inbound it is a send
// request, outbound it is a pushed record)
const (
	TypePong         = "pong"
	TypeNotification = "notification"
	TypeError        = "error"
)

// Error codes carried on error events
const (
	ErrCodeInvalidFormat = 1000
	ErrCodeUnknownType   = 1001
	ErrCodeAuthRequired  = 1002
	ErrCodeNotFound      = 1003
	ErrCodeBadRequest    = 1004
	ErrCodeInternal      = 9000
)

// Notification kinds used for control pushes
const (
	NotifyUnreadCounts = "unread_counts"
)

// Envelope is the outer frame: a type tag plus the type's payload
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClientEvent is the closed set of payloads a client may send. The
// unexported marker keeps the union sealed to this package.
type ClientEvent interface {
	clientEvent()
}

// AuthEvent binds a user identity to the session. Credential
// verification happens in the outer auth layer, not here.
type AuthEvent struct {
	UserID int64 `json:"userId"`
}

// MessageEvent asks the server to persist and fan out a message.
// LocalID is the client's temporary identifier for optimistic rendering;
// it is echoed back on the fan-out push so the client can reconcile.
type MessageEvent struct {
	ConversationID int64  `json:"conversationId"`
	Content        string `json:"content"`
	ParentID       *int64 `json:"parentId,omitempty"`
	LocalID        string `json:"localId,omitempty"`
}

// PingEvent is a liveness probe
type PingEvent struct{}

// MarkReadEvent marks a single message read for the session's user
type MarkReadEvent struct {
	MessageID int64 `json:"messageId"`
}

// MarkAllReadEvent marks every currently-unread message in a
// conversation read for the session's user
type MarkAllReadEvent struct {
	ConversationID int64 `json:"conversationId"`
}

// SubscribeEvent adds a conversation to the session's subscription set
type SubscribeEvent struct {
	ConversationID int64 `json:"conversationId"`
}

// UnsubscribeEvent removes a conversation from the session's
// subscription set
type UnsubscribeEvent struct {
	ConversationID int64 `json:"conversationId"`
}

func (AuthEvent) clientEvent()        {}
func (MessageEvent) clientEvent()     {}
func (PingEvent) clientEvent()        {}
func (MarkReadEvent) clientEvent()    {}
func (MarkAllReadEvent) clientEvent() {}
func (SubscribeEvent) clientEvent()   {}
func (UnsubscribeEvent) clientEvent() {}

// UnknownTypeError reports an envelope whose type tag is outside the
// closed union
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Type)
}

// MalformedEventError reports an envelope whose payload failed to decode
// or validate
type MalformedEventError struct {
	Type   string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event: %s", e.Type, e.Reason)
}

// DecodeClientEvent parses one inbound frame into its typed event.
// Unknown type tags return *UnknownTypeError; undecodable or invalid
// payloads return *MalformedEventError. Both leave the connection usable.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &MalformedEventError{Type: "?", Reason: "invalid JSON envelope"}
	}

	switch env.Type {
	case TypeAuth:
		var ev AuthEvent
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.UserID <= 0 {
			return nil, &MalformedEventError{Type: env.Type, Reason: "userId must be positive"}
		}
		return ev, nil

	case TypeMessage:
		var ev MessageEvent
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.ConversationID <= 0 {
			return nil, &MalformedEventError{Type: env.Type, Reason: "conversationId must be positive"}
		}
		if ev.Content == "" {
			return nil, &MalformedEventError{Type: env.Type, Reason: "content must not be empty"}
		}
		return ev, nil

	case TypePing:
		return PingEvent{}, nil

	case TypeMarkRead:
		var ev MarkReadEvent
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.MessageID <= 0 {
			return nil, &MalformedEventError{Type: env.Type, Reason: "messageId must be positive"}
		}
		return ev, nil

	case TypeMarkAllRead:
		var ev MarkAllReadEvent
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.ConversationID <= 0 {
			return nil, &MalformedEventError{Type: env.Type, Reason: "conversationId must be positive"}
		}
		return ev, nil

	case TypeSubscribe:
		var ev SubscribeEvent
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.ConversationID <= 0 {
			return nil, &MalformedEventError{Type: env.Type, Reason: "conversationId must be positive"}
		}
		return ev, nil

	case TypeUnsubscribe:
		var ev UnsubscribeEvent
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.ConversationID <= 0 {
			return nil, &MalformedEventError{Type: env.Type, Reason: "conversationId must be positive"}
		}
		return ev, nil

	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}
}

func decodePayload(env Envelope, dst interface{}) error {
	if len(env.Payload) == 0 {
		return &MalformedEventError{Type: env.Type, Reason: "missing payload"}
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return &MalformedEventError{Type: env.Type, Reason: err.Error()}
	}
	return nil
}

// PongPayload answers a ping
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// MessageRecord is the full message record pushed on fan-out. LocalID
// carries the author's optimistic-send tag; a client that finds its own
// tag replaces its temporary record with this one.
type MessageRecord struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversationId"`
	ParentID       *int64 `json:"parentId,omitempty"`
	AuthorID       int64  `json:"authorId"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"`
	LocalID        string `json:"localId,omitempty"`
}

// NotificationPayload carries both user-facing notifications and control
// pushes such as unread_counts
type NotificationPayload struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UnreadCountsPayload is the payload of an unread_counts notification
type UnreadCountsPayload struct {
	Counts map[int64]int `json:"counts"`
}

// ErrorPayload is delivered on malformed input, missing auth, or unknown
// event types. Receiving one does not close the connection.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Encode wraps a payload in an envelope and marshals the whole frame
func Encode(eventType string, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
		}
		raw = data
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}
