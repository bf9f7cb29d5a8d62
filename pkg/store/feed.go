package store

import (
	"errors"
	"sync"
)

// ErrFeedClosed indicates the store (and its feed) has been closed.
var ErrFeedClosed = errors.New("change feed is closed")

// Op identifies the kind of row change carried by a ChangeEvent
type Op uint8

const (
	OpMessageInsert Op = iota + 1
	OpNotificationInsert
	OpNotificationUpdate
)

// ChangeEvent is a row-level change notification emitted by the store
// after a committed write. It carries the full inserted/updated row and,
// for notification updates, the previous read flag so consumers don't
// double-count repeated updates.
type ChangeEvent struct {
	Op           Op
	Message      *Message
	Notification *Notification
	LocalID      string // client reconciliation tag, message inserts only, never persisted
	PrevRead     bool   // notification updates only
}

// Feed is the store's in-process change-notification mechanism. Delivery
// to subscribers is best-effort: a subscriber that falls behind its buffer
// is dropped (its event channel closed) rather than allowed to stall
// writes. Dropped subscribers must resubscribe and accept that events
// emitted during the gap are lost from the push path; durable storage
// plus client backfill covers the gap.
type Feed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
	closed bool
}

// Subscription is one subscriber's handle on the feed
type Subscription struct {
	id     int
	feed   *Feed
	events chan ChangeEvent
}

// NewFeed creates an empty feed
func NewFeed() *Feed {
	return &Feed{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe registers a new subscriber with the given event buffer size
func (f *Feed) Subscribe(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = 256
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrFeedClosed
	}

	sub := &Subscription{
		id:     f.nextID,
		feed:   f,
		events: make(chan ChangeEvent, buffer),
	}
	f.nextID++
	f.subs[sub.id] = sub
	return sub, nil
}

// Publish delivers an event to every live subscriber. Subscribers whose
// buffers are full are dropped on the spot.
func (f *Feed) Publish(event ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	for id, sub := range f.subs {
		select {
		case sub.events <- event:
		default:
			delete(f.subs, id)
			close(sub.events)
		}
	}
}

// Close drops all subscribers and rejects further subscriptions
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true

	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub.events)
	}
}

// Events returns the subscription's event channel. The channel is closed
// when the subscription is cancelled, the subscriber falls behind, or the
// feed shuts down; a closed channel means events may have been missed.
func (s *Subscription) Events() <-chan ChangeEvent {
	return s.events
}

// Cancel removes the subscription from the feed
func (s *Subscription) Cancel() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()

	if _, ok := s.feed.subs[s.id]; ok {
		delete(s.feed.subs, s.id)
		close(s.events)
	}
}
