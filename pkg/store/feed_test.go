package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedDeliversInOrder(t *testing.T) {
	feed := NewFeed()
	defer feed.Close()

	sub, err := feed.Subscribe(16)
	require.NoError(t, err)

	for i := int64(1); i <= 5; i++ {
		feed.Publish(ChangeEvent{Op: OpMessageInsert, Message: &Message{ID: i}})
	}

	for i := int64(1); i <= 5; i++ {
		ev := <-sub.Events()
		assert.Equal(t, i, ev.Message.ID)
	}
}

func TestFeedDropsSlowSubscriber(t *testing.T) {
	feed := NewFeed()
	defer feed.Close()

	slow, err := feed.Subscribe(2)
	require.NoError(t, err)
	fast, err := feed.Subscribe(16)
	require.NoError(t, err)

	// Third publish overflows the slow subscriber's buffer
	for i := int64(1); i <= 3; i++ {
		feed.Publish(ChangeEvent{Op: OpMessageInsert, Message: &Message{ID: i}})
	}

	// Slow subscriber got the buffered events, then a closed channel
	ev, ok := <-slow.Events()
	require.True(t, ok)
	assert.Equal(t, int64(1), ev.Message.ID)
	ev, ok = <-slow.Events()
	require.True(t, ok)
	assert.Equal(t, int64(2), ev.Message.ID)
	_, ok = <-slow.Events()
	assert.False(t, ok, "slow subscriber channel should be closed")

	// Fast subscriber is unaffected
	for i := int64(1); i <= 3; i++ {
		ev := <-fast.Events()
		assert.Equal(t, i, ev.Message.ID)
	}

	// Publish never blocked on the slow subscriber
	done := make(chan struct{})
	go func() {
		feed.Publish(ChangeEvent{Op: OpMessageInsert, Message: &Message{ID: 4}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
}

func TestFeedResubscribeAfterDrop(t *testing.T) {
	feed := NewFeed()
	defer feed.Close()

	sub, err := feed.Subscribe(1)
	require.NoError(t, err)

	feed.Publish(ChangeEvent{Op: OpMessageInsert, Message: &Message{ID: 1}})
	feed.Publish(ChangeEvent{Op: OpMessageInsert, Message: &Message{ID: 2}}) // drops sub

	// Drain until close
	for range sub.Events() {
	}

	// A fresh subscription sees only future events; the gap is lost
	sub2, err := feed.Subscribe(4)
	require.NoError(t, err)
	feed.Publish(ChangeEvent{Op: OpMessageInsert, Message: &Message{ID: 3}})

	ev := <-sub2.Events()
	assert.Equal(t, int64(3), ev.Message.ID)
}

func TestFeedCancel(t *testing.T) {
	feed := NewFeed()
	defer feed.Close()

	sub, err := feed.Subscribe(4)
	require.NoError(t, err)
	sub.Cancel()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Cancel twice is safe
	sub.Cancel()

	// Publishing after cancel reaches nobody but doesn't panic
	feed.Publish(ChangeEvent{Op: OpMessageInsert, Message: &Message{ID: 1}})
}

func TestFeedClose(t *testing.T) {
	feed := NewFeed()

	sub, err := feed.Subscribe(4)
	require.NoError(t, err)

	feed.Close()
	_, ok := <-sub.Events()
	assert.False(t, ok)

	_, err = feed.Subscribe(4)
	assert.ErrorIs(t, err, ErrFeedClosed)

	// Close twice is safe
	feed.Close()
}

func TestPostMessagePublishesChange(t *testing.T) {
	db := testDB(t)
	channelID, err := db.CreateChannel("dev", ChannelBroadcast, 0)
	require.NoError(t, err)

	sub, err := db.Feed().Subscribe(4)
	require.NoError(t, err)

	msg, err := db.PostMessage(channelID, nil, 1, "hello", "tmp-1")
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, OpMessageInsert, ev.Op)
		assert.Equal(t, msg.ID, ev.Message.ID)
		assert.Equal(t, "tmp-1", ev.LocalID)
	case <-time.After(time.Second):
		t.Fatal("no change event after PostMessage")
	}
}

func TestNotificationUpdateCarriesPrevRead(t *testing.T) {
	db := testDB(t)

	sub, err := db.Feed().Subscribe(8)
	require.NoError(t, err)

	n, err := db.CreateNotification(7, "mention", "{}")
	require.NoError(t, err)

	ev := <-sub.Events()
	assert.Equal(t, OpNotificationInsert, ev.Op)

	require.NoError(t, db.MarkNotificationRead(n.ID))
	ev = <-sub.Events()
	assert.Equal(t, OpNotificationUpdate, ev.Op)
	assert.False(t, ev.PrevRead)
	assert.True(t, ev.Notification.Read)

	// Marking again: update event, but PrevRead flags it as a repeat
	require.NoError(t, db.MarkNotificationRead(n.ID))
	ev = <-sub.Events()
	assert.Equal(t, OpNotificationUpdate, ev.Op)
	assert.True(t, ev.PrevRead)
}

// Racing readers of the same notification must not both claim the
// unread-to-read transition, or downstream badge math counts it twice
func TestMarkNotificationReadConcurrent(t *testing.T) {
	db := testDB(t)

	n, err := db.CreateNotification(7, "mention", "{}")
	require.NoError(t, err)

	sub, err := db.Feed().Subscribe(32)
	require.NoError(t, err)

	const callers = 10
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, db.MarkNotificationRead(n.ID))
		}()
	}
	wg.Wait()

	transitions := 0
	for i := 0; i < callers; i++ {
		ev := <-sub.Events()
		require.Equal(t, OpNotificationUpdate, ev.Op)
		assert.True(t, ev.Notification.Read)
		if !ev.PrevRead {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions)
}
