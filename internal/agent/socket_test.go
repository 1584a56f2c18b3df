package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillswap/meetcore/internal/api"
	"github.com/skillswap/meetcore/internal/fabric"
)

// socketPair upgrades one server-side connection and dials it,
// returning both ends.
func socketPair(t *testing.T) (client *websocket.Conn, server *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConns <- conn
	}))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	server = <-serverConns
	t.Cleanup(func() { server.Close() })

	return client, server
}

func TestSocketClientDeliversByComponent(t *testing.T) {
	clientConn, serverConn := socketPair(t)
	client := newSocketClient(clientConn)

	signalingSub, err := client.Subscribe(context.Background(), fabric.Topic(fabric.SignalingComponent, "session-1"))
	require.NoError(t, err)
	chatSub, err := client.Subscribe(context.Background(), fabric.Topic(fabric.ChatComponent, "session-1"))
	require.NoError(t, err)

	frame, err := json.Marshal(api.SocketEnvelope{
		Component: fabric.ChatComponent,
		Payload:   json.RawMessage(`{"content":"hi"}`),
	})
	require.NoError(t, err)
	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, frame))

	select {
	case msg := <-chatSub.Channel():
		assert.JSONEq(t, `{"content":"hi"}`, string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("chat frame never delivered")
	}

	select {
	case <-signalingSub.Channel():
		t.Fatal("chat frame must not reach the signaling subscription")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSocketClientPublishes(t *testing.T) {
	clientConn, serverConn := socketPair(t)
	client := newSocketClient(clientConn)

	topic := fabric.Topic(fabric.SignalingComponent, "session-1")
	require.NoError(t, client.Publish(context.Background(), topic, []byte(`{"jsonrpc":"2.0"}`)))

	require.NoError(t, serverConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := serverConn.ReadMessage()
	require.NoError(t, err)

	envelope := api.SocketEnvelope{}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, fabric.SignalingComponent, envelope.Component)
	assert.JSONEq(t, `{"jsonrpc":"2.0"}`, string(envelope.Payload))
}

func TestSocketClientPresenceIsReadOnly(t *testing.T) {
	clientConn, _ := socketPair(t)
	client := newSocketClient(clientConn)
	ctx := context.Background()

	assert.Error(t, client.Track(ctx, "meetcore:presence:session-1", "key", nil))
	assert.Error(t, client.Untrack(ctx, "meetcore:presence:session-1", "key"))
	_, err := client.Snapshot(ctx, "meetcore:presence:session-1")
	assert.Error(t, err)
}

func TestSocketClientClosesOnDisconnect(t *testing.T) {
	clientConn, serverConn := socketPair(t)
	client := newSocketClient(clientConn)

	sub, err := client.Subscribe(context.Background(), fabric.Topic(fabric.ChatComponent, "session-1"))
	require.NoError(t, err)

	serverConn.Close()

	select {
	case _, ok := <-sub.Channel():
		assert.False(t, ok, "subscription channel should close with the socket")
	case <-time.After(5 * time.Second):
		t.Fatal("subscription never closed")
	}
}
