package ws

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
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readMsg(t *testing.T, c *websocket.Conn) Msg {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := c.ReadMessage()
	require.NoError(t, err)
	var m Msg
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestPublishReachesRoomOnly(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	poolConn := dial(t, srv, "?room=pool-1")
	otherConn := dial(t, srv, "?room=pool-2")
	require.Eventually(t, func() bool {
		return hub.Subscribers("pool-1") == 1 && hub.Subscribers("pool-2") == 1
	}, time.Second, 10*time.Millisecond)

	hub.Publish("pool-1", "trade", map[string]any{"side": "BUY"})
	hub.Publish("pool-2", "resolved", nil)

	m := readMsg(t, poolConn)
	assert.Equal(t, "trade", m.Type)
	assert.Equal(t, "pool-1", m.Room)

	m = readMsg(t, otherConn)
	assert.Equal(t, "resolved", m.Type)
}

func TestSubscribeAndUnsubscribeMessages(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	c := dial(t, srv, "")
	require.NoError(t, c.WriteJSON(map[string]string{"action": "subscribe", "room": "proposals"}))
	require.Eventually(t, func() bool { return hub.Subscribers("proposals") == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish("proposals", "ProposalCreated", map[string]string{"id": "p1"})
	assert.Equal(t, "ProposalCreated", readMsg(t, c).Type)

	require.NoError(t, c.WriteJSON(map[string]string{"action": "unsubscribe", "room": "proposals"}))
	require.Eventually(t, func() bool { return hub.Subscribers("proposals") == 0 }, time.Second, 10*time.Millisecond)
}

func TestDisconnectLeavesRooms(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	c := dial(t, srv, "?room=pool-1")
	require.Eventually(t, func() bool { return hub.Subscribers("pool-1") == 1 }, time.Second, 10*time.Millisecond)
	c.Close()
	require.Eventually(t, func() bool { return hub.Subscribers("pool-1") == 0 }, 2*time.Second, 10*time.Millisecond)

	// publishing to an empty room is a no-op
	hub.Publish("pool-1", "trade", nil)
}

func TestPublishCountsDropsForFullClients(t *testing.T) {
	hub := NewHub(nil)
	drops := 0
	hub.OnDrop(func() { drops++ })

	// No write pump drains this client.
	c := &conn{send: make(chan []byte, 1), hub: hub, rooms: make(map[string]bool)}
	hub.mu.Lock()
	hub.allConn[c] = true
	hub.mu.Unlock()
	hub.subscribe(c, "pool-1")

	hub.Publish("pool-1", "odds", nil)
	hub.Publish("pool-1", "odds", nil)
	hub.Publish("pool-1", "odds", nil)
	assert.Equal(t, 2, drops)
	assert.Len(t, c.send, 1)
}
