// Package unread maintains per-user, per-channel unread counts on top of
// the store's ReadMarks. Counting uses per-message ReadMarks exclusively;
// there is no per-channel watermark, so counts stay correct under partial
// thread loading.
package unread

import (
	"sync"

	"github.com/driftmsg/drift/pkg/store"
)

// Tracker converts ReadMark absence into per-channel unread counts and
// exposes the mark-read operations. Counts are cached in memory per user
// for cheap badge rendering; the cache is invalidated on new messages and
// on mark-read, and rebuilt from the store on demand.
type Tracker struct {
	db *store.DB

	mu    sync.Mutex
	cache map[int64]map[int64]int // userID -> channelID -> count
}

// NewTracker creates a tracker over the given store
func NewTracker(db *store.DB) *Tracker {
	return &Tracker{
		db:    db,
		cache: make(map[int64]map[int64]int),
	}
}

// MarkRead records that the user has seen the message. Idempotent: a
// second call for the same pair changes nothing observable. Marking a
// message read never touches any other user's counts.
func (t *Tracker) MarkRead(userID, messageID int64) error {
	msg, err := t.db.GetMessage(messageID)
	if err != nil {
		return err
	}

	if err := t.db.MarkRead(messageID, userID); err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.cache[userID], msg.ChannelID)
	t.mu.Unlock()
	return nil
}

// MarkAllRead covers every message unread by the user in the channel as
// of call time. Messages arriving concurrently may be missed; the next
// count query picks those up. Returns how many messages were covered.
func (t *Tracker) MarkAllRead(userID, channelID int64) (int64, error) {
	covered, err := t.db.MarkAllRead(channelID, userID)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	delete(t.cache[userID], channelID)
	t.mu.Unlock()
	return covered, nil
}

// Count returns the user's unread count for one channel
func (t *Tracker) Count(userID, channelID int64) (int, error) {
	t.mu.Lock()
	if channels, ok := t.cache[userID]; ok {
		if count, ok := channels[channelID]; ok {
			t.mu.Unlock()
			return count, nil
		}
	}
	t.mu.Unlock()

	count, err := t.db.UnreadCount(channelID, userID)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	if t.cache[userID] == nil {
		t.cache[userID] = make(map[int64]int)
	}
	t.cache[userID][channelID] = count
	t.mu.Unlock()
	return count, nil
}

// Counts returns the user's unread counts for every channel they are a
// member of, zero counts included
func (t *Tracker) Counts(userID int64) (map[int64]int, error) {
	counts, err := t.db.UnreadCounts(userID)
	if err != nil {
		return nil, err
	}

	cached := make(map[int64]int, len(counts))
	for channelID, count := range counts {
		cached[channelID] = count
	}

	t.mu.Lock()
	t.cache[userID] = cached
	t.mu.Unlock()
	return counts, nil
}

// InvalidateChannel drops cached counts for a channel across all users.
// Called on new-message fan-out so the next badge query recounts.
func (t *Tracker) InvalidateChannel(channelID int64) {
	t.mu.Lock()
	for _, channels := range t.cache {
		delete(channels, channelID)
	}
	t.mu.Unlock()
}
