package server

import (
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/driftmsg/drift/pkg/protocol"
	"github.com/driftmsg/drift/pkg/store"
	"github.com/driftmsg/drift/pkg/unread"
)

// BridgeState is the change-feed bridge's lifecycle state
type BridgeState int32

const (
	BridgeIdle BridgeState = iota
	BridgeSubscribed
	BridgeReconnecting
)

func (s BridgeState) String() string {
	switch s {
	case BridgeIdle:
		return "idle"
	case BridgeSubscribed:
		return "subscribed"
	case BridgeReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Bridge adapts the store's row-level change feed into fan-out
// dispatches. It is the only component that waits on the store's
// change-notification mechanism, and it does so outside any
// per-connection critical section.
//
// Lifecycle: Idle → Subscribed → Reconnecting → Subscribed, for as long
// as the process lives. Events the store emits while the bridge is
// reconnecting are lost from the push path; clients cover that gap by
// polling and by backfilling on reconnect.
type Bridge struct {
	db         *store.DB
	dispatcher *Dispatcher
	tracker    *unread.Tracker
	metrics    *Metrics

	state          int32 // BridgeState, atomic
	resubscribeGap time.Duration
	feedBuffer     int
	shutdown       chan struct{}
}

// NewBridge creates a bridge between the store's feed and the dispatcher
func NewBridge(db *store.DB, dispatcher *Dispatcher, tracker *unread.Tracker, metrics *Metrics) *Bridge {
	return &Bridge{
		db:             db,
		dispatcher:     dispatcher,
		tracker:        tracker,
		metrics:        metrics,
		resubscribeGap: time.Second,
		feedBuffer:     256,
		shutdown:       make(chan struct{}),
	}
}

// State returns the bridge's current lifecycle state
func (b *Bridge) State() BridgeState {
	return BridgeState(atomic.LoadInt32(&b.state))
}

func (b *Bridge) setState(s BridgeState) {
	atomic.StoreInt32(&b.state, int32(s))
}

// Run subscribes to the change feed and pumps events into the dispatcher
// until Stop is called. On feed loss it moves to Reconnecting, waits, and
// resubscribes; it never returns an error to anyone. The gap is covered
// by the client polling path, which bounds the staleness.
func (b *Bridge) Run() {
	for {
		select {
		case <-b.shutdown:
			b.setState(BridgeIdle)
			return
		default:
		}

		sub, err := b.db.Feed().Subscribe(b.feedBuffer)
		if err != nil {
			// Feed closed; the store is shutting down
			b.setState(BridgeIdle)
			return
		}
		b.setState(BridgeSubscribed)
		debugLog.Printf("Bridge subscribed to change feed")

		b.pump(sub)

		// Feed channel closed underneath us: either we fell behind and
		// were dropped, or the store closed. Resubscribe after a gap.
		select {
		case <-b.shutdown:
			b.setState(BridgeIdle)
			return
		default:
		}

		b.setState(BridgeReconnecting)
		if b.metrics != nil {
			b.metrics.RecordBridgeResubscribe()
		}
		log.Printf("Bridge lost change-feed subscription; resubscribing in %v (events in the gap are lost from the push path)", b.resubscribeGap)

		select {
		case <-b.shutdown:
			b.setState(BridgeIdle)
			return
		case <-time.After(b.resubscribeGap):
		}
	}
}

// Stop shuts the bridge down
func (b *Bridge) Stop() {
	close(b.shutdown)
}

// pump consumes one subscription until its channel closes. Events are
// handled strictly in feed order on this single goroutine, which is what
// gives fan-out its per-channel ordering guarantee.
func (b *Bridge) pump(sub *store.Subscription) {
	for {
		select {
		case <-b.shutdown:
			sub.Cancel()
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			b.handle(ev)
		}
	}
}

// handle applies the recipient-selection policy for one row change and
// invokes the dispatcher. Never panics its caller; a bad event is logged
// and skipped.
func (b *Bridge) handle(ev store.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			errorLog.Printf("Bridge: panic handling change event: %v", r)
		}
	}()

	switch ev.Op {
	case store.OpMessageInsert:
		b.handleMessageInsert(ev)
	case store.OpNotificationInsert:
		b.handleNotificationInsert(ev)
	case store.OpNotificationUpdate:
		b.handleNotificationUpdate(ev)
	default:
		log.Printf("Bridge: unknown change-feed op %d", ev.Op)
	}
}

func (b *Bridge) handleMessageInsert(ev store.ChangeEvent) {
	msg := ev.Message
	if msg == nil {
		log.Printf("Bridge: message insert event without a row")
		return
	}

	// Recipients: every channel member, the sender included. The echo
	// back to the author is how clients reconcile optimistic sends.
	members, err := b.db.Members(msg.ChannelID)
	if err != nil {
		errorLog.Printf("Bridge: failed to load members of channel %d: %v", msg.ChannelID, err)
		members = nil
	}

	record := protocol.MessageRecord{
		ID:             msg.ID,
		ConversationID: msg.ChannelID,
		ParentID:       msg.ParentID,
		AuthorID:       msg.AuthorID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
		LocalID:        ev.LocalID,
	}

	b.dispatcher.Dispatch(Event{
		ChannelID:  msg.ChannelID,
		EventType:  protocol.TypeMessage,
		Payload:    record,
		Recipients: members,
		Kind:       "message",
	})

	// New message invalidates cached unread counts for the channel, then
	// connected members get fresh badge counts pushed. Own messages are
	// never unread, so the author is skipped.
	b.tracker.InvalidateChannel(msg.ChannelID)
	for _, userID := range members {
		if userID == msg.AuthorID {
			continue
		}
		b.pushUnreadCounts(userID)
	}
}

func (b *Bridge) handleNotificationInsert(ev store.ChangeEvent) {
	n := ev.Notification
	if n == nil {
		log.Printf("Bridge: notification insert event without a row")
		return
	}

	body, err := json.Marshal(map[string]interface{}{
		"id":        n.ID,
		"body":      n.Body,
		"createdAt": n.CreatedAt,
	})
	if err != nil {
		errorLog.Printf("Bridge: failed to encode notification %d: %v", n.ID, err)
		return
	}

	b.dispatcher.Dispatch(Event{
		EventType:  protocol.TypeNotification,
		Payload:    protocol.NotificationPayload{Kind: n.Kind, Payload: body},
		Recipients: []int64{n.RecipientID},
		Kind:       "notification",
	})
}

func (b *Bridge) handleNotificationUpdate(ev store.ChangeEvent) {
	n := ev.Notification
	if n == nil {
		log.Printf("Bridge: notification update event without a row")
		return
	}

	// Only the unread→read transition matters; the feed carries the
	// previous flag so a repeated update doesn't double-count
	if ev.PrevRead || !n.Read {
		return
	}
	b.pushUnreadCounts(n.RecipientID)
}

// pushUnreadCounts sends a fresh unread_counts control notification to
// every live session of the user. Users with no live sessions cost
// nothing; their counts are computed when they next connect or poll.
func (b *Bridge) pushUnreadCounts(userID int64) {
	if len(b.dispatcher.registry.SessionsForUser(userID)) == 0 {
		return
	}

	counts, err := b.tracker.Counts(userID)
	if err != nil {
		errorLog.Printf("Bridge: failed to compute unread counts for user %d: %v", userID, err)
		return
	}

	payload, err := json.Marshal(protocol.UnreadCountsPayload{Counts: counts})
	if err != nil {
		errorLog.Printf("Bridge: failed to encode unread counts for user %d: %v", userID, err)
		return
	}

	b.dispatcher.Dispatch(Event{
		EventType:  protocol.TypeNotification,
		Payload:    protocol.NotificationPayload{Kind: protocol.NotifyUnreadCounts, Payload: payload},
		Recipients: []int64{userID},
		Kind:       "control",
	})
}
