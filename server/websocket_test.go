package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()

	httpServer := httptest.NewServer(ts.srv.Handler())
	t.Cleanup(httpServer.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ts.srv.hub.Start(ctx)
	t.Cleanup(ts.srv.hub.Stop)

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPush(t *testing.T, conn *websocket.Conn) pushMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg pushMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketStreamSession(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts)

	err := conn.WriteJSON(clientCommand{
		Type:      "chunk",
		SessionID: "ws-1",
		Text:      "please refund the invoice payment",
	})
	require.NoError(t, err)

	eventTypes := make([]string, 0, 3)
	for len(eventTypes) < 3 {
		msg := readPush(t, conn)
		require.Equal(t, "stream", msg.Type)
		payload, ok := msg.Payload.(map[string]interface{})
		require.True(t, ok)
		eventTypes = append(eventTypes, payload["type"].(string))
	}
	assert.Equal(t, []string{"session.started", "chunk.processed", "intent.recognized"}, eventTypes)
}

func TestWebSocketBroadcast(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts)

	// Give the read/write pumps a beat to register before broadcasting
	require.Eventually(t, func() bool {
		ts.srv.hub.mu.Lock()
		defer ts.srv.hub.mu.Unlock()
		return len(ts.srv.hub.clients) == 1
	}, time.Second, 10*time.Millisecond)

	ts.srv.hub.broadcast(pushMessage{Type: "metrics", Payload: map[string]interface{}{"totalRequests": 0}})

	msg := readPush(t, conn)
	assert.Equal(t, "metrics", msg.Type)
	assert.False(t, msg.Timestamp.IsZero())
}
