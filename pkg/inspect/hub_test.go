package inspect

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(w, r, ChangeEvent{Type: EventChanged, Count: 0})
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var initial ChangeEvent
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Equal(t, ChangeEvent{Type: EventChanged, Count: 0}, initial)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(nil)
	conn := dialHub(t, hub)

	hub.Broadcast(ChangeEvent{Type: EventChanged, Count: 3})

	var got ChangeEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, 3, got.Count)
}

func TestHub_WriteDeadlineDropsStalledClient(t *testing.T) {
	hub := NewHub(nil)
	dialHub(t, hub)

	// every write is already past its deadline
	hub.mu.Lock()
	hub.writeWait = -time.Second
	hub.mu.Unlock()

	start := time.Now()
	hub.Broadcast(ChangeEvent{Type: EventChanged, Count: 1})
	assert.Less(t, time.Since(start), time.Second)

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
