package server

import (
	"log"
	"sync"
	"sync/atomic"
)

// Session represents one live client connection. A session starts
// unauthenticated; auth binds a user to it. Sessions are never persisted.
type Session struct {
	ID         uint64
	Conn       *SafeConn
	RemoteAddr string

	mu           sync.RWMutex
	userID       *int64
	lastActivity int64 // Unix milliseconds, atomic

	// Subscriptions for selective fan-out
	subMu      sync.RWMutex
	subscribed map[int64]bool // channel ID -> subscribed
}

// UserID returns the authenticated user, or nil for an unauthenticated
// session (thread-safe)
func (s *Session) UserID() *int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// IsSubscribed checks the session's subscription set (thread-safe)
func (s *Session) IsSubscribed(channelID int64) bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return s.subscribed[channelID]
}

// SubscriptionCount returns the number of channel subscriptions (thread-safe)
func (s *Session) SubscriptionCount() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subscribed)
}

// Touch refreshes the session's liveness timestamp
func (s *Session) Touch(now int64) {
	atomic.StoreInt64(&s.lastActivity, now)
}

// LastActivity returns the liveness timestamp
func (s *Session) LastActivity() int64 {
	return atomic.LoadInt64(&s.lastActivity)
}

// Registry is the authoritative map from users to their live sessions and
// from sessions to their subscribed channels. All state lives behind the
// registry's own locks; the raw maps never escape. Registry operations
// never fail to the caller: operating on an unknown session is a logged
// no-op.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	byUser   map[int64]map[uint64]*Session
	nextID   uint64

	// Reverse subscription index for fast fan-out lookups
	subIndexMu         sync.RWMutex
	channelSubscribers map[int64]map[uint64]*Session

	metrics *Metrics
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions:           make(map[uint64]*Session),
		byUser:             make(map[int64]map[uint64]*Session),
		channelSubscribers: make(map[int64]map[uint64]*Session),
		nextID:             1,
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Register adds a new unauthenticated session for the connection
func (r *Registry) Register(conn *SafeConn, remoteAddr string, now int64) *Session {
	sessionID := atomic.AddUint64(&r.nextID, 1) - 1

	sess := &Session{
		ID:           sessionID,
		Conn:         conn,
		RemoteAddr:   remoteAddr,
		lastActivity: now,
		subscribed:   make(map[int64]bool),
	}

	r.mu.Lock()
	r.sessions[sessionID] = sess
	sessionCount := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(sessionCount)
		r.metrics.RecordSessionCreated()
	}

	return sess
}

// Authenticate binds a user identity to a session. A user may hold many
// concurrent sessions (multi-tab, multi-device); all of them receive
// fan-out. Re-authenticating with a different identity logs a warning and
// keeps the last value.
func (r *Registry) Authenticate(sessionID uint64, userID int64) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		log.Printf("WARN: authenticate on unknown session %d", sessionID)
		return
	}

	sess.mu.Lock()
	prev := sess.userID
	sess.userID = &userID
	sess.mu.Unlock()

	if prev != nil && *prev != userID {
		log.Printf("WARN: session %d re-authenticated as user %d (was %d); last write wins", sessionID, userID, *prev)
		if byUser := r.byUser[*prev]; byUser != nil {
			delete(byUser, sessionID)
			if len(byUser) == 0 {
				delete(r.byUser, *prev)
			}
		}
	}

	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[uint64]*Session)
	}
	r.byUser[userID][sessionID] = sess
	r.mu.Unlock()

	debugLog.Printf("Session %d authenticated as user %d", sessionID, userID)
}

// Subscribe adds a channel to the session's subscription set. Idempotent.
func (r *Registry) Subscribe(sessionID uint64, channelID int64) {
	sess, ok := r.GetSession(sessionID)
	if !ok {
		log.Printf("WARN: subscribe on unknown session %d", sessionID)
		return
	}
	r.subscribeSession(sess, channelID)
}

// subscribeSession mutates the subscription set and the reverse index
// while holding the session's subMu for the whole operation. Unregister
// takes the same lock, so it either runs first (subscribed is nil and
// this call is a no-op) or waits and then sweeps this channel from the
// index. A dead session can never be re-inserted.
func (r *Registry) subscribeSession(sess *Session, channelID int64) {
	sess.subMu.Lock()
	defer sess.subMu.Unlock()
	if sess.subscribed == nil {
		return
	}
	sess.subscribed[channelID] = true

	r.subIndexMu.Lock()
	if r.channelSubscribers[channelID] == nil {
		r.channelSubscribers[channelID] = make(map[uint64]*Session)
	}
	r.channelSubscribers[channelID][sess.ID] = sess
	r.subIndexMu.Unlock()
}

// Unsubscribe removes a channel from the session's subscription set.
// Idempotent.
func (r *Registry) Unsubscribe(sessionID uint64, channelID int64) {
	sess, ok := r.GetSession(sessionID)
	if !ok {
		log.Printf("WARN: unsubscribe on unknown session %d", sessionID)
		return
	}
	r.unsubscribeSession(sess, channelID)
}

// unsubscribeSession holds subMu across both mutations, same as
// subscribeSession.
func (r *Registry) unsubscribeSession(sess *Session, channelID int64) {
	sess.subMu.Lock()
	defer sess.subMu.Unlock()
	if sess.subscribed == nil {
		return
	}
	delete(sess.subscribed, channelID)

	r.subIndexMu.Lock()
	if subscribers := r.channelSubscribers[channelID]; subscribers != nil {
		delete(subscribers, sess.ID)
		if len(subscribers) == 0 {
			delete(r.channelSubscribers, channelID)
		}
	}
	r.subIndexMu.Unlock()
}

// Unregister removes the session from every index and closes its
// connection. After it returns the session is absent from the session
// map, the per-user index, and every subscription index. No event is
// fired when a user's last session goes away; offline is just registry
// emptiness.
func (r *Registry) Unregister(sessionID uint64) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)

	sess.mu.RLock()
	userID := sess.userID
	sess.mu.RUnlock()
	if userID != nil {
		if byUser := r.byUser[*userID]; byUser != nil {
			delete(byUser, sessionID)
			if len(byUser) == 0 {
				delete(r.byUser, *userID)
			}
		}
	}
	sessionCount := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(sessionCount)
		r.metrics.RecordSessionDisconnected()
	}

	// Clean up the reverse subscription index
	sess.subMu.Lock()
	channelIDs := make([]int64, 0, len(sess.subscribed))
	for channelID := range sess.subscribed {
		channelIDs = append(channelIDs, channelID)
	}
	sess.subscribed = nil
	sess.subMu.Unlock()

	r.subIndexMu.Lock()
	for _, channelID := range channelIDs {
		if subscribers := r.channelSubscribers[channelID]; subscribers != nil {
			delete(subscribers, sessionID)
			if len(subscribers) == 0 {
				delete(r.channelSubscribers, channelID)
			}
		}
	}
	r.subIndexMu.Unlock()

	if sess.Conn != nil {
		sess.Conn.Close()
	}
}

// GetSession returns a session by ID
func (r *Registry) GetSession(sessionID uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// AllSessions returns all live sessions
func (r *Registry) AllSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// SessionsForUser returns every live session authenticated as the user
func (r *Registry) SessionsForUser(userID int64) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byUser := r.byUser[userID]
	if len(byUser) == 0 {
		return nil
	}
	sessions := make([]*Session, 0, len(byUser))
	for _, sess := range byUser {
		sessions = append(sessions, sess)
	}
	return sessions
}

// ChannelSubscribers returns every session subscribed to a channel
func (r *Registry) ChannelSubscribers(channelID int64) []*Session {
	r.subIndexMu.RLock()
	defer r.subIndexMu.RUnlock()

	subscribers := r.channelSubscribers[channelID]
	if len(subscribers) == 0 {
		return nil
	}
	sessions := make([]*Session, 0, len(subscribers))
	for _, sess := range subscribers {
		sessions = append(sessions, sess)
	}
	return sessions
}

// CountSessions returns the number of live sessions
func (r *Registry) CountSessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll unregisters every session
func (r *Registry) CloseAll() {
	for _, sess := range r.AllSessions() {
		r.Unregister(sess.ID)
	}
}
