package server

import (
	"sync"
	"time"

	"github.com/driftmsg/drift/pkg/protocol"
)

// Event is one unit of fan-out: a payload bound for every live session
// subscribed to ChannelID plus every live session of the users in
// Recipients. Either targeting mode may be empty; direct notifications
// carry no channel and rely on Recipients alone.
type Event struct {
	ChannelID  int64  // 0 = no channel targeting
	EventType  string // protocol envelope type for the push
	Payload    interface{}
	Recipients []int64 // explicit user targeting (direct/notification events)
	Kind       string  // metrics label: "message", "notification", "control"
}

// Dispatcher delivers events to live sessions. Delivery is at-most-once
// per connected session and best-effort: a failed transport write logs,
// removes the dead session, and moves on. It never retries and never
// buffers; durability is the store's job, and clients close push gaps by
// polling. Per-channel ordering holds because the bridge calls Dispatch
// synchronously in feed order.
type Dispatcher struct {
	registry *Registry
	metrics  *Metrics
}

// NewDispatcher creates a dispatcher over the given registry
func NewDispatcher(registry *Registry, metrics *Metrics) *Dispatcher {
	return &Dispatcher{registry: registry, metrics: metrics}
}

// Dispatch delivers the event to every currently-relevant live session.
// A zero-recipient event is not an error. Returns the number of sessions
// the payload was handed to (successful transport writes).
func (d *Dispatcher) Dispatch(ev Event) int {
	startTime := time.Now()

	// Encode the payload once, not per recipient
	data, err := protocol.Encode(ev.EventType, ev.Payload)
	if err != nil {
		errorLog.Printf("Dispatch: failed to encode %s event: %v", ev.EventType, err)
		return 0
	}

	// Collect targets: channel subscribers plus explicit recipients'
	// sessions, deduplicated per session
	targets := make(map[uint64]*Session)
	if ev.ChannelID != 0 {
		for _, sess := range d.registry.ChannelSubscribers(ev.ChannelID) {
			targets[sess.ID] = sess
		}
	}
	for _, userID := range ev.Recipients {
		for _, sess := range d.registry.SessionsForUser(userID) {
			targets[sess.ID] = sess
		}
	}

	sessions := make([]*Session, 0, len(targets))
	for _, sess := range targets {
		sessions = append(sessions, sess)
	}

	var deadSessions []uint64
	if len(sessions) > 0 {
		deadSessions = d.writeToSessions(sessions, data)
	}

	// Dead sockets drop out of every index; the client reconnects and
	// backfills. No retry here.
	for _, sessionID := range deadSessions {
		d.registry.Unregister(sessionID)
	}

	delivered := len(sessions) - len(deadSessions)
	if d.metrics != nil {
		kind := ev.Kind
		if kind == "" {
			kind = ev.EventType
		}
		d.metrics.RecordMessageBroadcast()
		d.metrics.RecordBroadcastFanout(kind, delivered)
		d.metrics.RecordBroadcastDuration(kind, time.Since(startTime).Seconds())
	}
	return delivered
}

// writeToSessions writes the pre-encoded frame to sessions using a
// chunked worker pool. Returns the IDs of sessions whose writes failed.
func (d *Dispatcher) writeToSessions(sessions []*Session, data []byte) []uint64 {
	const maxWorkers = 40
	const sessionsPerWorker = 50

	numWorkers := (len(sessions) + sessionsPerWorker - 1) / sessionsPerWorker
	if numWorkers > maxWorkers {
		numWorkers = maxWorkers
	}
	chunkSize := (len(sessions) + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	var deadMu sync.Mutex
	var deadSessions []uint64

	now := time.Now().UnixMilli()
	for i := 0; i < numWorkers; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(sessions) {
			end = len(sessions)
		}

		wg.Add(1)
		go func(chunk []*Session) {
			defer wg.Done()
			for _, sess := range chunk {
				if writeErr := sess.Conn.WriteBytes(data); writeErr != nil {
					debugLog.Printf("Session %d: fan-out write failed: %v", sess.ID, writeErr)
					if d.metrics != nil {
						d.metrics.RecordDeliveryFailure()
					}
					deadMu.Lock()
					deadSessions = append(deadSessions, sess.ID)
					deadMu.Unlock()
					continue
				}
				// A delivered push proves the socket is alive; without
				// this, a receive-only session would be reaped as stale
				sess.Touch(now)
			}
		}(sessions[start:end])
	}

	wg.Wait()
	return deadSessions
}
