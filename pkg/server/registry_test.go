package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func register(r *Registry) *Session {
	return r.Register(nil, "127.0.0.1:1", time.Now().UnixMilli())
}

func TestRegisterAndGetSession(t *testing.T) {
	r := NewRegistry()

	sess := register(r)
	assert.Nil(t, sess.UserID())
	assert.Equal(t, 1, r.CountSessions())

	got, ok := r.GetSession(sess.ID)
	require.True(t, ok)
	assert.Same(t, sess, got)

	_, ok = r.GetSession(sess.ID + 1000)
	assert.False(t, ok)
}

func TestAuthenticateMultiSession(t *testing.T) {
	r := NewRegistry()

	a := register(r)
	b := register(r)
	c := register(r)

	r.Authenticate(a.ID, 42)
	r.Authenticate(b.ID, 42)
	r.Authenticate(c.ID, 7)

	assert.Len(t, r.SessionsForUser(42), 2)
	assert.Len(t, r.SessionsForUser(7), 1)
	assert.Nil(t, r.SessionsForUser(999))

	require.NotNil(t, a.UserID())
	assert.Equal(t, int64(42), *a.UserID())
}

func TestReauthenticateLastWriteWins(t *testing.T) {
	r := NewRegistry()

	sess := register(r)
	r.Authenticate(sess.ID, 42)
	r.Authenticate(sess.ID, 7)

	assert.Equal(t, int64(7), *sess.UserID())
	assert.Empty(t, r.SessionsForUser(42))
	assert.Len(t, r.SessionsForUser(7), 1)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	r := NewRegistry()

	a := register(r)
	b := register(r)

	r.Subscribe(a.ID, 3)
	r.Subscribe(a.ID, 3) // idempotent
	r.Subscribe(b.ID, 3)
	r.Subscribe(a.ID, 5)

	assert.True(t, a.IsSubscribed(3))
	assert.Equal(t, 2, a.SubscriptionCount())
	assert.Len(t, r.ChannelSubscribers(3), 2)
	assert.Len(t, r.ChannelSubscribers(5), 1)

	r.Unsubscribe(a.ID, 3)
	r.Unsubscribe(a.ID, 3) // idempotent
	assert.False(t, a.IsSubscribed(3))
	assert.Len(t, r.ChannelSubscribers(3), 1)

	// Unknown channel and unknown session are no-ops
	r.Unsubscribe(a.ID, 99)
	r.Subscribe(12345, 3)
	assert.Len(t, r.ChannelSubscribers(3), 1)
}

// A handler can look a session up, lose the CPU, and resume after the
// dispatcher's dead-socket reap has unregistered it. The late subscribe
// must not panic and must not put the dead session back into the
// fan-out index.
func TestSubscribeLosingRaceWithUnregister(t *testing.T) {
	r := NewRegistry()

	sess := register(r)
	r.Subscribe(sess.ID, 3)
	r.Unregister(sess.ID)

	r.subscribeSession(sess, 3)
	r.subscribeSession(sess, 5)
	r.unsubscribeSession(sess, 3)

	assert.Empty(t, r.ChannelSubscribers(3))
	assert.Empty(t, r.ChannelSubscribers(5))
	assert.False(t, sess.IsSubscribed(5))
	assert.Equal(t, 0, r.CountSessions())
}

func TestConcurrentSubscribeUnregister(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < 500; i++ {
		sess := register(r)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for ch := int64(1); ch <= 5; ch++ {
				r.Subscribe(sess.ID, ch)
			}
		}()
		go func() {
			defer wg.Done()
			r.Unregister(sess.ID)
		}()
		wg.Wait()
		r.Unregister(sess.ID)

		for ch := int64(1); ch <= 5; ch++ {
			for _, sub := range r.ChannelSubscribers(ch) {
				require.NotEqual(t, sess.ID, sub.ID, "unregistered session left in channel %d index", ch)
			}
		}
	}
	assert.Equal(t, 0, r.CountSessions())
}

func TestUnregisterCleansEveryIndex(t *testing.T) {
	r := NewRegistry()

	sess := register(r)
	r.Authenticate(sess.ID, 42)
	r.Subscribe(sess.ID, 3)
	r.Subscribe(sess.ID, 5)

	r.Unregister(sess.ID)

	_, ok := r.GetSession(sess.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.CountSessions())
	assert.Empty(t, r.SessionsForUser(42))
	assert.Empty(t, r.ChannelSubscribers(3))
	assert.Empty(t, r.ChannelSubscribers(5))

	// Unregistering again is a no-op
	r.Unregister(sess.ID)
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < 5; i++ {
		sess := register(r)
		r.Authenticate(sess.ID, int64(i+1))
		r.Subscribe(sess.ID, 3)
	}

	r.CloseAll()
	assert.Equal(t, 0, r.CountSessions())
	assert.Empty(t, r.ChannelSubscribers(3))
}

func TestSessionTouch(t *testing.T) {
	r := NewRegistry()
	sess := r.Register(nil, "127.0.0.1:1", 1000)

	assert.Equal(t, int64(1000), sess.LastActivity())
	sess.Touch(2000)
	assert.Equal(t, int64(2000), sess.LastActivity())
}

// TestRegistryNoLeakedState drives random registry operations and checks
// that unregistering everything leaves no trace in any index
func TestRegistryNoLeakedState(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry()
		var live []uint64

		ops := rapid.IntRange(1, 80).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			switch rapid.IntRange(0, 4).Draw(t, "op") {
			case 0:
				sess := register(r)
				live = append(live, sess.ID)
			case 1:
				if len(live) > 0 {
					id := live[rapid.IntRange(0, len(live)-1).Draw(t, "sess")]
					r.Authenticate(id, rapid.Int64Range(1, 5).Draw(t, "user"))
				}
			case 2:
				if len(live) > 0 {
					id := live[rapid.IntRange(0, len(live)-1).Draw(t, "sess")]
					r.Subscribe(id, rapid.Int64Range(1, 5).Draw(t, "channel"))
				}
			case 3:
				if len(live) > 0 {
					id := live[rapid.IntRange(0, len(live)-1).Draw(t, "sess")]
					r.Unsubscribe(id, rapid.Int64Range(1, 5).Draw(t, "channel"))
				}
			case 4:
				if len(live) > 0 {
					idx := rapid.IntRange(0, len(live)-1).Draw(t, "sess")
					r.Unregister(live[idx])
					live = append(live[:idx], live[idx+1:]...)
				}
			}
		}

		for _, id := range live {
			r.Unregister(id)
		}

		if r.CountSessions() != 0 {
			t.Fatalf("%d sessions left after unregistering all", r.CountSessions())
		}
		for user := int64(1); user <= 5; user++ {
			if got := r.SessionsForUser(user); len(got) != 0 {
				t.Fatalf("user %d still has %d sessions", user, len(got))
			}
		}
		for channel := int64(1); channel <= 5; channel++ {
			if got := r.ChannelSubscribers(channel); len(got) != 0 {
				t.Fatalf("channel %d still has %d subscribers", channel, len(got))
			}
		}
	})
}
