package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/driftmsg/drift/pkg/protocol"
	"github.com/driftmsg/drift/pkg/store"
)

// readLoop handles frames for an established connection. Events for one
// connection are handled to completion, in order, on this goroutine;
// different connections run concurrently. A transport error is fatal to
// the connection only: the session unregisters and the client reconnects.
func (s *Server) readLoop(sess *Session) {
	defer s.registry.Unregister(sess.ID)

	for {
		data, err := sess.Conn.ReadFrame()
		if err != nil {
			s.disconnectionsSinceReport.Add(1)
			debugLog.Printf("Session %d: read loop ended: %v", sess.ID, err)
			return
		}

		sess.Touch(time.Now().UnixMilli())
		s.handleFrame(sess, data)
	}
}

// handleFrame decodes and dispatches one inbound frame. It never lets a
// handler take down the process: panics are caught and answered with an
// error event on the same connection.
func (s *Server) handleFrame(sess *Session, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			errorLog.Printf("Session %d: panic in handler: %v", sess.ID, r)
			s.sendError(sess, protocol.ErrCodeInternal, "internal error")
		}
	}()

	ev, err := protocol.DecodeClientEvent(data)
	if err != nil {
		var unknown *protocol.UnknownTypeError
		if errors.As(err, &unknown) {
			s.sendError(sess, protocol.ErrCodeUnknownType, err.Error())
			return
		}
		s.sendError(sess, protocol.ErrCodeInvalidFormat, err.Error())
		return
	}

	// Exhaustive over the closed union; a new event type added to the
	// protocol package must be handled here before it compiles into use
	switch ev := ev.(type) {
	case protocol.AuthEvent:
		s.recordReceived(protocol.TypeAuth)
		s.handleAuth(sess, ev)
	case protocol.MessageEvent:
		s.recordReceived(protocol.TypeMessage)
		s.handlePostMessage(sess, ev)
	case protocol.PingEvent:
		s.recordReceived(protocol.TypePing)
		s.handlePing(sess)
	case protocol.MarkReadEvent:
		s.recordReceived(protocol.TypeMarkRead)
		s.handleMarkRead(sess, ev)
	case protocol.MarkAllReadEvent:
		s.recordReceived(protocol.TypeMarkAllRead)
		s.handleMarkAllRead(sess, ev)
	case protocol.SubscribeEvent:
		s.recordReceived(protocol.TypeSubscribe)
		s.handleSubscribe(sess, ev)
	case protocol.UnsubscribeEvent:
		s.recordReceived(protocol.TypeUnsubscribe)
		s.handleUnsubscribe(sess, ev)
	default:
		// Unreachable while the union stays closed
		s.sendError(sess, protocol.ErrCodeUnknownType, fmt.Sprintf("unhandled event %T", ev))
	}
}

// handleAuth binds the session to a user and pushes the user's current
// unread counts so the client can render badges immediately
func (s *Server) handleAuth(sess *Session, ev protocol.AuthEvent) {
	s.registry.Authenticate(sess.ID, ev.UserID)
	s.pushUnreadCountsToSession(sess, ev.UserID)
}

// handlePostMessage persists the message; fan-out (including the echo to
// the author) happens via the store's change feed and the bridge, never
// inline on the connection's handler
func (s *Server) handlePostMessage(sess *Session, ev protocol.MessageEvent) {
	userID := sess.UserID()
	if userID == nil {
		s.sendError(sess, protocol.ErrCodeAuthRequired, "authenticate before sending messages")
		return
	}

	if s.config.MaxMessageLength > 0 && len(ev.Content) > s.config.MaxMessageLength {
		s.sendError(sess, protocol.ErrCodeBadRequest, fmt.Sprintf("message exceeds %d bytes", s.config.MaxMessageLength))
		return
	}

	_, err := s.db.PostMessage(ev.ConversationID, ev.ParentID, *userID, ev.Content, ev.LocalID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrChannelNotFound), errors.Is(err, store.ErrParentNotFound):
		s.sendError(sess, protocol.ErrCodeNotFound, err.Error())
	case errors.Is(err, store.ErrChannelDeactivated), errors.Is(err, store.ErrParentChannelMismatch):
		s.sendError(sess, protocol.ErrCodeBadRequest, err.Error())
	default:
		errorLog.Printf("Session %d: post message failed: %v", sess.ID, err)
		s.sendError(sess, protocol.ErrCodeInternal, "failed to store message")
	}
}

func (s *Server) handlePing(sess *Session) {
	s.sendEvent(sess, protocol.TypePong, protocol.PongPayload{Timestamp: time.Now().UnixMilli()})
}

func (s *Server) handleMarkRead(sess *Session, ev protocol.MarkReadEvent) {
	userID := sess.UserID()
	if userID == nil {
		s.sendError(sess, protocol.ErrCodeAuthRequired, "authenticate before marking messages read")
		return
	}

	if err := s.tracker.MarkRead(*userID, ev.MessageID); err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			s.sendError(sess, protocol.ErrCodeNotFound, err.Error())
			return
		}
		errorLog.Printf("Session %d: mark read failed: %v", sess.ID, err)
		s.sendError(sess, protocol.ErrCodeInternal, "failed to update read state")
		return
	}

	s.pushUnreadCountsToUser(*userID)
}

func (s *Server) handleMarkAllRead(sess *Session, ev protocol.MarkAllReadEvent) {
	userID := sess.UserID()
	if userID == nil {
		s.sendError(sess, protocol.ErrCodeAuthRequired, "authenticate before marking messages read")
		return
	}

	if _, err := s.tracker.MarkAllRead(*userID, ev.ConversationID); err != nil {
		errorLog.Printf("Session %d: mark all read failed: %v", sess.ID, err)
		s.sendError(sess, protocol.ErrCodeInternal, "failed to update read state")
		return
	}

	// Badge state changed; refresh this user's counts on all their tabs
	s.pushUnreadCountsToUser(*userID)
}

func (s *Server) handleSubscribe(sess *Session, ev protocol.SubscribeEvent) {
	if s.config.MaxChannelSubscriptions > 0 && sess.SubscriptionCount() >= s.config.MaxChannelSubscriptions {
		s.sendError(sess, protocol.ErrCodeBadRequest, fmt.Sprintf("subscription limit of %d reached", s.config.MaxChannelSubscriptions))
		return
	}

	exists, err := s.db.ChannelExists(ev.ConversationID)
	if err != nil {
		errorLog.Printf("Session %d: subscribe lookup failed: %v", sess.ID, err)
		s.sendError(sess, protocol.ErrCodeInternal, "failed to look up conversation")
		return
	}
	if !exists {
		s.sendError(sess, protocol.ErrCodeNotFound, "conversation not found")
		return
	}

	s.registry.Subscribe(sess.ID, ev.ConversationID)
}

func (s *Server) handleUnsubscribe(sess *Session, ev protocol.UnsubscribeEvent) {
	s.registry.Unsubscribe(sess.ID, ev.ConversationID)
}

// sendEvent sends a protocol event to one session
func (s *Server) sendEvent(sess *Session, eventType string, payload interface{}) {
	if s.metrics != nil {
		s.metrics.RecordMessageSent(eventType)
	}
	if err := sess.Conn.WriteEvent(eventType, payload); err != nil {
		debugLog.Printf("Session %d: send %s failed: %v", sess.ID, eventType, err)
	}
}

// sendError delivers an error event on the connection. The connection
// stays open; only transport errors close it.
func (s *Server) sendError(sess *Session, code int, message string) {
	s.sendEvent(sess, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

func (s *Server) recordReceived(eventType string) {
	if s.metrics != nil {
		s.metrics.RecordMessageReceived(eventType)
	}
}

// pushUnreadCountsToSession sends current unread counts to one session
func (s *Server) pushUnreadCountsToSession(sess *Session, userID int64) {
	counts, err := s.tracker.Counts(userID)
	if err != nil {
		errorLog.Printf("Session %d: failed to compute unread counts: %v", sess.ID, err)
		return
	}

	payload, err := json.Marshal(protocol.UnreadCountsPayload{Counts: counts})
	if err != nil {
		errorLog.Printf("Session %d: failed to encode unread counts: %v", sess.ID, err)
		return
	}

	s.sendEvent(sess, protocol.TypeNotification, protocol.NotificationPayload{
		Kind:    protocol.NotifyUnreadCounts,
		Payload: payload,
	})
}

// pushUnreadCountsToUser refreshes badge counts on every live session of
// the user (multi-tab convergence after a mark-read)
func (s *Server) pushUnreadCountsToUser(userID int64) {
	for _, sess := range s.registry.SessionsForUser(userID) {
		s.pushUnreadCountsToSession(sess, userID)
	}
}
