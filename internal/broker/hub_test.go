package broker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gmencz/mycelium/internal/domain"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestConnPair creates a connected websocket pair: the server side for
// writers, the client side for reading what the hub sends.
func newTestConnPair(t *testing.T) (server *ws.Conn, client *ws.Conn) {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ready := make(chan *ws.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ready <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { serverConn.Close() })

	return serverConn, clientConn
}

func newTestWriter(t *testing.T) (*Writer, *ws.Conn) {
	t.Helper()
	server, client := newTestConnPair(t)
	w := NewWriter(server, clockwork.NewRealClock())
	t.Cleanup(w.Stop)
	return w, client
}

func readFrame(t *testing.T, conn *ws.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestHubSubscribeIsIdempotentPerConnection(t *testing.T) {
	hub := NewHub(slog.Default())
	w, _ := newTestWriter(t)
	require.NoError(t, hub.Register("conn-1", w))

	require.NoError(t, hub.Subscribe("conn-1", "app:room-1"))
	assert.ErrorIs(t, hub.Subscribe("conn-1", "app:room-1"), domain.ErrAlreadySubscribed)

	require.NoError(t, hub.Unsubscribe("conn-1", "app:room-1"))
	assert.ErrorIs(t, hub.Unsubscribe("conn-1", "app:room-1"), domain.ErrNotSubscribed)
}

func TestHubRejectsUnregisteredConnection(t *testing.T) {
	hub := NewHub(slog.Default())
	assert.Error(t, hub.Subscribe("ghost", "app:room-1"))
	assert.Error(t, hub.Unsubscribe("ghost", "app:room-1"))
	assert.Nil(t, hub.Remove("ghost"))
}

func TestHubRemoveReturnsChannelsOnce(t *testing.T) {
	hub := NewHub(slog.Default())
	w, _ := newTestWriter(t)
	require.NoError(t, hub.Register("conn-1", w))
	require.NoError(t, hub.Subscribe("conn-1", "app:room-1"))
	require.NoError(t, hub.Subscribe("conn-1", "app:room-2"))

	channels := hub.Remove("conn-1")
	assert.ElementsMatch(t, []string{"app:room-1", "app:room-2"}, channels)

	// Second removal is a no-op; the caller must not decrement twice.
	assert.Nil(t, hub.Remove("conn-1"))
	assert.Equal(t, 0, hub.LocalSubscribers("app:room-1"))
}

func TestHubBroadcastExcludesPublisher(t *testing.T) {
	hub := NewHub(slog.Default())
	w1, c1 := newTestWriter(t)
	w2, c2 := newTestWriter(t)
	require.NoError(t, hub.Register("conn-1", w1))
	require.NoError(t, hub.Register("conn-2", w2))
	require.NoError(t, hub.Subscribe("conn-1", "app:room-1"))
	require.NoError(t, hub.Subscribe("conn-2", "app:room-1"))

	hub.Deliver(domain.Envelope{Channel: "app:room-1", PublisherID: "conn-1", Data: "hi"})

	frame := readFrame(t, c2)
	assert.Equal(t, "message", frame["type"])
	assert.Equal(t, "room-1", frame["channel"])
	assert.Equal(t, "hi", frame["data"])

	// The publisher's connection stays silent.
	require.NoError(t, c1.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := c1.ReadMessage()
	assert.Error(t, err)
}

func TestHubDeliverWithoutExclusionReachesEveryone(t *testing.T) {
	hub := NewHub(slog.Default())
	w1, c1 := newTestWriter(t)
	w2, c2 := newTestWriter(t)
	require.NoError(t, hub.Register("conn-1", w1))
	require.NoError(t, hub.Register("conn-2", w2))
	require.NoError(t, hub.Subscribe("conn-1", "app:room-1"))
	require.NoError(t, hub.Subscribe("conn-2", "app:room-1"))

	hub.Deliver(domain.Envelope{Channel: "app:room-1", Data: "all"})

	for _, c := range []*ws.Conn{c1, c2} {
		frame := readFrame(t, c)
		assert.Equal(t, "all", frame["data"])
	}
}

func TestHubChannelLimit(t *testing.T) {
	hub := NewHub(slog.Default())
	w, _ := newTestWriter(t)
	require.NoError(t, hub.Register("conn-1", w))

	for i := 0; i < maxChannelsPerConn; i++ {
		require.NoError(t, hub.Subscribe("conn-1", fmt.Sprintf("app:room-%d", i)))
	}
	assert.ErrorIs(t, hub.Subscribe("conn-1", "app:one-too-many"), domain.ErrTooManyChannels)
}

func TestHubShutdownClosesWithReconnectAndReportsCounts(t *testing.T) {
	hub := NewHub(slog.Default())
	w1, c1 := newTestWriter(t)
	w2, _ := newTestWriter(t)
	require.NoError(t, hub.Register("conn-1", w1))
	require.NoError(t, hub.Register("conn-2", w2))
	require.NoError(t, hub.Subscribe("conn-1", "app:room-1"))
	require.NoError(t, hub.Subscribe("conn-2", "app:room-1"))
	require.NoError(t, hub.Subscribe("conn-2", "app:room-2"))

	counts := hub.Shutdown()
	assert.Equal(t, map[string]int64{"app:room-1": 2, "app:room-2": 1}, counts)

	require.NoError(t, c1.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := c1.ReadMessage()
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, 4008, closeErr.Code)

	// The table is empty; late registrations are told to reconnect.
	w3, _ := newTestWriter(t)
	assert.ErrorIs(t, hub.Register("conn-3", w3), errHubStopped)
}

func TestHubLocalSubscribers(t *testing.T) {
	hub := NewHub(slog.Default())
	w1, _ := newTestWriter(t)
	w2, _ := newTestWriter(t)
	require.NoError(t, hub.Register("conn-1", w1))
	require.NoError(t, hub.Register("conn-2", w2))

	assert.Equal(t, 0, hub.LocalSubscribers("app:room-1"))

	require.NoError(t, hub.Subscribe("conn-1", "app:room-1"))
	require.NoError(t, hub.Subscribe("conn-2", "app:room-1"))
	assert.Equal(t, 2, hub.LocalSubscribers("app:room-1"))

	hub.Remove("conn-1")
	assert.Equal(t, 1, hub.LocalSubscribers("app:room-1"))
}
