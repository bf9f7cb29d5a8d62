package store

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSeedDefaultChannels(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.SeedDefaultChannels())
	channels, err := db.ListChannels()
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "general", channels[0].Name)
	assert.Equal(t, "random", channels[1].Name)

	// Seeding again is a no-op
	require.NoError(t, db.SeedDefaultChannels())
	channels, err = db.ListChannels()
	require.NoError(t, err)
	assert.Len(t, channels, 2)
}

func TestPostMessage(t *testing.T) {
	db := testDB(t)
	channelID, err := db.CreateChannel("dev", ChannelBroadcast, 0)
	require.NoError(t, err)

	msg, err := db.PostMessage(channelID, nil, 42, "hello", "")
	require.NoError(t, err)
	assert.Greater(t, msg.ID, int64(0))
	assert.Equal(t, channelID, msg.ChannelID)
	assert.Equal(t, int64(42), msg.AuthorID)

	got, err := db.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Content, got.Content)
	assert.Nil(t, got.ParentID)
}

func TestPostMessageIDsOrderByCreation(t *testing.T) {
	db := testDB(t)
	channelID, err := db.CreateChannel("dev", ChannelBroadcast, 0)
	require.NoError(t, err)

	var prev int64
	for i := 0; i < 20; i++ {
		msg, err := db.PostMessage(channelID, nil, 1, "m", "")
		require.NoError(t, err)
		assert.Greater(t, msg.ID, prev)
		prev = msg.ID
	}
}

func TestPostMessageValidation(t *testing.T) {
	db := testDB(t)
	channelID, err := db.CreateChannel("dev", ChannelBroadcast, 0)
	require.NoError(t, err)
	otherID, err := db.CreateChannel("other", ChannelBroadcast, 0)
	require.NoError(t, err)

	root, err := db.PostMessage(channelID, nil, 1, "root", "")
	require.NoError(t, err)

	t.Run("unknown channel", func(t *testing.T) {
		_, err := db.PostMessage(9999, nil, 1, "x", "")
		assert.ErrorIs(t, err, ErrChannelNotFound)
	})

	t.Run("unknown parent", func(t *testing.T) {
		missing := int64(123456789)
		_, err := db.PostMessage(channelID, &missing, 1, "x", "")
		assert.ErrorIs(t, err, ErrParentNotFound)
	})

	t.Run("parent in different channel", func(t *testing.T) {
		_, err := db.PostMessage(otherID, &root.ID, 1, "x", "")
		assert.ErrorIs(t, err, ErrParentChannelMismatch)
	})

	t.Run("deactivated channel rejects posts", func(t *testing.T) {
		require.NoError(t, db.DeactivateChannel(channelID))
		_, err := db.PostMessage(channelID, nil, 1, "x", "")
		assert.ErrorIs(t, err, ErrChannelDeactivated)

		// History survives deactivation
		got, err := db.GetMessage(root.ID)
		require.NoError(t, err)
		assert.Equal(t, "root", got.Content)
	})
}

func TestMarkReadUpsert(t *testing.T) {
	db := testDB(t)
	channelID, err := db.CreateChannel("dev", ChannelBroadcast, 0)
	require.NoError(t, err)
	msg, err := db.PostMessage(channelID, nil, 1, "m", "")
	require.NoError(t, err)

	require.NoError(t, db.MarkRead(msg.ID, 2))
	require.NoError(t, db.MarkRead(msg.ID, 2))
	require.NoError(t, db.MarkRead(msg.ID, 2))

	count, err := db.CountReadMarks(msg.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	mark, err := db.GetReadMark(msg.ID, 2)
	require.NoError(t, err)
	require.NotNil(t, mark)
	assert.Equal(t, msg.ID, mark.MessageID)
	assert.Equal(t, int64(2), mark.UserID)
}

func TestMarkReadConcurrent(t *testing.T) {
	db := testDB(t)
	channelID, err := db.CreateChannel("dev", ChannelBroadcast, 0)
	require.NoError(t, err)
	msg, err := db.PostMessage(channelID, nil, 1, "m", "")
	require.NoError(t, err)

	// Several tabs marking the same message at once end with one row
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- db.MarkRead(msg.ID, 2)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	count, err := db.CountReadMarks(msg.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMarkReadUnknownMessage(t *testing.T) {
	db := testDB(t)
	err := db.MarkRead(424242, 2)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestMarkAllRead(t *testing.T) {
	db := testDB(t)
	channelID, err := db.CreateChannel("dev", ChannelBroadcast, 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := db.PostMessage(channelID, nil, 1, "from alice", "")
		require.NoError(t, err)
	}
	own, err := db.PostMessage(channelID, nil, 2, "own message", "")
	require.NoError(t, err)

	covered, err := db.MarkAllRead(channelID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), covered) // own message never needs a mark

	count, err := db.UnreadCount(channelID, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Idempotent
	covered, err = db.MarkAllRead(channelID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), covered)

	marks, err := db.CountReadMarks(own.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, marks)
}

func TestUnreadCounts(t *testing.T) {
	db := testDB(t)
	devID, err := db.CreateChannel("dev", ChannelBroadcast, 0)
	require.NoError(t, err)
	opsID, err := db.CreateChannel("ops", ChannelGroup, 0)
	require.NoError(t, err)

	require.NoError(t, db.AddMember(devID, 2))
	require.NoError(t, db.AddMember(opsID, 2))

	for i := 0; i < 3; i++ {
		_, err := db.PostMessage(devID, nil, 1, "m", "")
		require.NoError(t, err)
	}
	// User 2's own messages don't count as unread for them
	_, err = db.PostMessage(devID, nil, 2, "mine", "")
	require.NoError(t, err)

	counts, err := db.UnreadCounts(2)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{devID: 3, opsID: 0}, counts)

	msgs, err := db.ListMessages(devID, 1, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Reading one message drops the count by one
	unreadMsgs, err := db.ListMessages(devID, 10, nil)
	require.NoError(t, err)
	for _, m := range unreadMsgs {
		if m.AuthorID != 2 {
			require.NoError(t, db.MarkRead(m.ID, 2))
			break
		}
	}
	counts, err = db.UnreadCounts(2)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[devID])
}

func TestListMessagesBackfill(t *testing.T) {
	db := testDB(t)
	channelID, err := db.CreateChannel("dev", ChannelBroadcast, 0)
	require.NoError(t, err)

	ids := make([]int64, 0, 10)
	for i := 0; i < 10; i++ {
		msg, err := db.PostMessage(channelID, nil, 1, "m", "")
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	// Newest first, paginated by id
	page, err := db.ListMessages(channelID, 4, nil)
	require.NoError(t, err)
	require.Len(t, page, 4)
	assert.Equal(t, ids[9], page[0].ID)
	assert.Equal(t, ids[6], page[3].ID)

	page, err = db.ListMessages(channelID, 4, &page[3].ID)
	require.NoError(t, err)
	require.Len(t, page, 4)
	assert.Equal(t, ids[5], page[0].ID)
}

func TestNotificationLifecycle(t *testing.T) {
	db := testDB(t)

	n, err := db.CreateNotification(7, "mention", `{"messageId":1}`)
	require.NoError(t, err)
	assert.False(t, n.Read)

	list, err := db.ListNotifications(7, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "mention", list[0].Kind)

	require.NoError(t, db.MarkNotificationRead(n.ID))
	list, err = db.ListNotifications(7, 10)
	require.NoError(t, err)
	assert.True(t, list[0].Read)

	assert.ErrorIs(t, db.MarkNotificationRead(999999), ErrNotificationNotFound)
}

func TestCleanupExpiredMessages(t *testing.T) {
	db := testDB(t)
	keepID, err := db.CreateChannel("keep", ChannelBroadcast, 0)
	require.NoError(t, err)
	expireID, err := db.CreateChannel("expire", ChannelBroadcast, 1)
	require.NoError(t, err)

	kept, err := db.PostMessage(keepID, nil, 1, "kept", "")
	require.NoError(t, err)
	expired, err := db.PostMessage(expireID, nil, 1, "expired", "")
	require.NoError(t, err)

	// Age the message past the 1-hour retention window
	_, err = db.writeConn.Exec("UPDATE Message SET created_at = created_at - 7200000 WHERE id = ?", expired.ID)
	require.NoError(t, err)

	deleted, err := db.CleanupExpiredMessages()
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = db.GetMessage(kept.ID)
	assert.NoError(t, err)
	_, err = db.GetMessage(expired.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}
