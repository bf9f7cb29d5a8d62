package server

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftmsg/drift/pkg/store"
	"github.com/driftmsg/drift/pkg/unread"
)

func testBridge(t *testing.T) (*store.DB, *Bridge, *Metrics) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := NewMetrics()
	registry := NewRegistry()
	dispatcher := NewDispatcher(registry, metrics)
	tracker := unread.NewTracker(db)
	return db, NewBridge(db, dispatcher, tracker, metrics), metrics
}

func TestBridgeStateLifecycle(t *testing.T) {
	db, bridge, _ := testBridge(t)

	assert.Equal(t, BridgeIdle, bridge.State())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		bridge.Run()
	}()

	require.Eventually(t, func() bool {
		return bridge.State() == BridgeSubscribed
	}, 2*time.Second, 5*time.Millisecond)

	// Feed shutdown ends the bridge for good
	db.Feed().Close()
	wg.Wait()
	assert.Equal(t, BridgeIdle, bridge.State())
}

func TestBridgeStopDuringRun(t *testing.T) {
	_, bridge, _ := testBridge(t)

	done := make(chan struct{})
	go func() {
		bridge.Run()
		close(done)
	}()

	require.Eventually(t, func() bool {
		return bridge.State() == BridgeSubscribed
	}, 2*time.Second, 5*time.Millisecond)

	bridge.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
	assert.Equal(t, BridgeIdle, bridge.State())
}

func TestBridgeResubscribesAfterFallingBehind(t *testing.T) {
	db, bridge, metrics := testBridge(t)
	bridge.feedBuffer = 1
	bridge.resubscribeGap = 10 * time.Millisecond

	channelID, err := db.CreateChannel("dev", store.ChannelBroadcast, 0)
	require.NoError(t, err)
	require.NoError(t, db.AddMember(channelID, 1))
	require.NoError(t, db.AddMember(channelID, 2))

	go bridge.Run()
	defer bridge.Stop()

	require.Eventually(t, func() bool {
		return bridge.State() == BridgeSubscribed
	}, 2*time.Second, 5*time.Millisecond)

	// Each insert costs the bridge store lookups; a tight burst against a
	// one-event buffer overruns it and the feed drops the subscription
	for i := 0; i < 500; i++ {
		_, err := db.PostMessage(channelID, nil, 1, "burst", "")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.bridgeResubscribes) >= 1 &&
			bridge.State() == BridgeSubscribed
	}, 5*time.Second, 10*time.Millisecond, "bridge should drop, resubscribe, and recover")

	// Events published after recovery flow again
	count := testutil.ToFloat64(metrics.broadcasts)
	_, err = db.PostMessage(channelID, nil, 1, "after recovery", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.broadcasts) > count
	}, 2*time.Second, 10*time.Millisecond)
}
