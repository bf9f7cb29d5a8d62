package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftmsg/drift/pkg/protocol"
)

// echoServer upgrades /ws and answers every frame with a pong event,
// recording what it received
func echoServer(t *testing.T) (addr string, received chan protocol.Envelope) {
	t.Helper()
	received = make(chan protocol.Envelope, 16)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			received <- env

			reply, _ := protocol.Encode(protocol.TypePong, protocol.PongPayload{Timestamp: time.Now().UnixMilli()})
			if err := ws.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return strings.TrimPrefix(srv.URL, "http://"), received
}

func TestDialSendReceive(t *testing.T) {
	addr, received := echoServer(t)

	conn, err := Dial(addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Authenticate(42))

	select {
	case env := <-received:
		assert.Equal(t, protocol.TypeAuth, env.Type)
		var auth protocol.AuthEvent
		require.NoError(t, json.Unmarshal(env.Payload, &auth))
		assert.Equal(t, int64(42), auth.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the auth frame")
	}

	select {
	case env := <-conn.Events():
		assert.Equal(t, protocol.TypePong, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply event")
	}
}

func TestSendHelpers(t *testing.T) {
	addr, received := echoServer(t)

	conn, err := Dial(addr)
	require.NoError(t, err)
	defer conn.Close()

	parent := int64(5)
	require.NoError(t, conn.SendMessage(3, "hello", &parent, "tmp-1"))
	require.NoError(t, conn.Subscribe(3))
	require.NoError(t, conn.MarkRead(9))
	require.NoError(t, conn.MarkAllRead(3))
	require.NoError(t, conn.Ping())

	wantTypes := []string{
		protocol.TypeMessage,
		protocol.TypeSubscribe,
		protocol.TypeMarkRead,
		protocol.TypeMarkAllRead,
		protocol.TypePing,
	}
	for _, want := range wantTypes {
		select {
		case env := <-received:
			assert.Equal(t, want, env.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("server never received %q", want)
		}
	}
}

func TestEventsCloseOnDisconnect(t *testing.T) {
	addr, _ := echoServer(t)

	conn, err := Dial(addr)
	require.NoError(t, err)

	require.NoError(t, conn.Close())

	select {
	case _, ok := <-conn.Events():
		assert.False(t, ok, "events channel should close with the connection")
	case <-time.After(2 * time.Second):
		t.Fatal("events channel never closed")
	}
}
