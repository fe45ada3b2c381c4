package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gmencz/mycelium/internal/broker"
	"github.com/gmencz/mycelium/internal/config"
	"github.com/gmencz/mycelium/internal/domain"
	"github.com/gmencz/mycelium/internal/protocol"
	"github.com/gmencz/mycelium/internal/relay"
	"github.com/gmencz/mycelium/internal/shard"
	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey   = "key-1:s3cret"
	testToken = "good-token"
	testAppID = "app-1"
)

type fakeAuthenticator struct{}

func (fakeAuthenticator) Authenticate(_ context.Context, key, token string) (*domain.Auth, *protocol.CloseError) {
	if (key != "" && token != "") || (key == "" && token == "") {
		return nil, protocol.NewCloseError(protocol.CloseInvalidAuthCombination)
	}
	if key != "" && key != testKey {
		return nil, protocol.NewCloseError(protocol.CloseAuthenticationError)
	}
	if token != "" && token != testToken {
		return nil, protocol.NewCloseError(protocol.CloseAuthenticationError)
	}
	return &domain.Auth{AppID: testAppID, KeyID: "key-1", Capabilities: domain.DefaultCapabilities()}, nil
}

func (f fakeAuthenticator) AuthenticateToken(ctx context.Context, token string) (*domain.Auth, *protocol.CloseError) {
	return f.Authenticate(ctx, "", token)
}

type fakeAppRepo struct {
	err error
}

func (r *fakeAppRepo) CreateApp(_ context.Context, name string, capabilities domain.CapabilitySet) (*domain.App, *domain.APIKey, error) {
	if r.err != nil {
		return nil, nil, r.err
	}
	if len(capabilities) == 0 {
		capabilities = domain.DefaultCapabilities()
	}
	app := &domain.App{ID: uuid.NewString(), Name: name, CreatedAt: time.Now()}
	key := &domain.APIKey{ID: uuid.NewString(), Secret: "s3cret", AppID: app.ID, Capabilities: capabilities}
	return app, key, nil
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error { return p.err }

type serverFixture struct {
	srv      *Server
	counters *broker.MemoryCounterStore
	base     string
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		AuthTimeout:          time.Second,
		SessionTimeout:       10 * time.Second,
		MaxConnections:       100,
		MaxConnectionsPerIP:  100,
		ConnectionRate:       1000,
		ConnectionBurst:      1000,
		ShardReplicaCapacity: 100,
	}
}

func newServerFixture(t *testing.T, mutate func(*config.Config, *Deps)) *serverFixture {
	t.Helper()

	hub := broker.NewHub(slog.Default())
	counters := broker.NewMemoryCounterStore()
	bus := relay.NewLoopbackRelay()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Listen(ctx, hub.Deliver)

	cfg := testConfig()
	deps := Deps{
		Hub:           hub,
		Group:         shard.NewGroup(cfg.ShardReplicaCapacity, slog.Default()),
		Authenticator: fakeAuthenticator{},
		Apps:          &fakeAppRepo{},
		Counters:      counters,
		Relay:         bus,
		Clock:         clockwork.NewRealClock(),
		Logger:        slog.Default(),
		Postgres:      fakePinger{},
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}

	srv := NewServer(cfg, deps)
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)

	return &serverFixture{srv: srv, counters: counters, base: ts.URL}
}

func (f *serverFixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.base, "http") + path
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestLivenessEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, err := http.Get(f.base + "/health/live")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "version")
}

func TestCreateApp(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, err := http.Post(f.base+"/api/v1/apps", "application/json",
		strings.NewReader(`{"name":"my app","capabilities":{"room-*":["subscribe","publish"]}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "my app", body["name"])
	key := body["key"].(map[string]any)
	assert.NotEmpty(t, key["id"])
	assert.Equal(t, "s3cret", key["secret"])
	assert.Contains(t, key["capabilities"], "room-*")
}

func TestCreateAppValidation(t *testing.T) {
	f := newServerFixture(t, nil)

	// Missing name.
	resp, err := http.Post(f.base+"/api/v1/apps", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Bad capability pattern.
	resp, err = http.Post(f.base+"/api/v1/apps", "application/json",
		strings.NewReader(`{"name":"x","capabilities":{"":["subscribe"]}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListChannels(t *testing.T) {
	f := newServerFixture(t, nil)
	ctx := context.Background()
	for _, ch := range []string{"app-1:room-a", "app-1:room-b", "app-1:lobby", "app-2:other"} {
		require.NoError(t, f.counters.Incr(ctx, ch))
	}

	resp, err := http.Get(f.base + "/api/v1/channels?key=" + testKey)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, []any{"lobby", "room-a", "room-b"}, body["channels"])

	// Filtered names come back relative to the prefix.
	resp, err = http.Get(f.base + "/api/v1/channels?key=" + testKey + "&filter_by_prefix=room-")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, []any{"a", "b"}, body["channels"])
}

func TestListChannelsStripsFilterPrefix(t *testing.T) {
	f := newServerFixture(t, nil)
	ctx := context.Background()
	for _, ch := range []string{"app-1:room-fitness-alice", "app-1:room-fitness-bob", "app-1:other-channel"} {
		require.NoError(t, f.counters.Incr(ctx, ch))
	}

	resp, err := http.Get(f.base + "/api/v1/channels?key=" + testKey + "&filter_by_prefix=room-fitness-")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, []any{"alice", "bob"}, body["channels"])
}

func TestListChannelsAuth(t *testing.T) {
	f := newServerFixture(t, nil)

	// No credentials.
	resp, err := http.Get(f.base + "/api/v1/channels")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Bearer token works like the socket's token.
	req, _ := http.NewRequest(http.MethodGet, f.base+"/api/v1/channels", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Malformed Authorization header.
	req, _ = http.NewRequest(http.MethodGet, f.base+"/api/v1/channels", nil)
	req.Header.Set("Authorization", "Basic abc")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListChannelsValidation(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, err := http.Get(f.base + "/api/v1/channels?key=" + testKey + "&cursor=notanumber")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.base + "/api/v1/channels?key=" + testKey + "&filter_by_prefix=bad%20name")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, err := http.Get(f.base + "/api/v1/health?key=" + testKey)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Empty(t, body["errors"])

	// Unauthenticated requests are refused before any checks run.
	resp, err = http.Get(f.base + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthEndpointReportsFailures(t *testing.T) {
	f := newServerFixture(t, func(_ *config.Config, deps *Deps) {
		deps.Postgres = fakePinger{err: assert.AnError}
	})

	resp, err := http.Get(f.base + "/api/v1/health?key=" + testKey)
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decodeBody(t, resp)
	errs := body["errors"].([]any)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "database:")
}

func TestRealtimeEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)

	dial := func() *ws.Conn {
		conn, _, err := ws.DefaultDialer.Dial(f.wsURL("/realtime?key="+testKey), nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	read := func(conn *ws.Conn) map[string]any {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	}

	c1 := dial()
	c2 := dial()
	assert.Equal(t, "hello", read(c1)["type"])
	assert.Equal(t, "hello", read(c2)["type"])

	require.NoError(t, c2.WriteMessage(ws.TextMessage, []byte(`{"type":"subscribe","channel":"room-1"}`)))
	assert.Equal(t, "subscriptionSuccess", read(c2)["type"])

	require.NoError(t, c1.WriteMessage(ws.TextMessage, []byte(`{"type":"subscribe","channel":"room-1"}`)))
	assert.Equal(t, "subscriptionSuccess", read(c1)["type"])
	require.NoError(t, c1.WriteMessage(ws.TextMessage, []byte(`{"type":"publish","channel":"room-1","data":"hi"}`)))

	msg := read(c2)
	assert.Equal(t, "message", msg["type"])
	assert.Equal(t, "room-1", msg["channel"])
	assert.Equal(t, "hi", msg["data"])
}

func TestShardRealtimeEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)

	conn, _, err := ws.DefaultDialer.Dial(f.wsURL("/realtime/shard/game-1?key="+testKey), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "hello", frame["type"])

	assert.Equal(t, 1, f.srv.deps.Group.Connections("app-1:game-1"))
}

func TestRealtimeConnectionLimit(t *testing.T) {
	f := newServerFixture(t, func(cfg *config.Config, _ *Deps) {
		cfg.MaxConnectionsPerIP = 1
	})

	conn, _, err := ws.DefaultDialer.Dial(f.wsURL("/realtime?key="+testKey), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err) // hello

	_, resp, err := ws.DefaultDialer.Dial(f.wsURL("/realtime?key="+testKey), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestShutdownFlushesCountersAndClosesSessions(t *testing.T) {
	f := newServerFixture(t, nil)

	conn, _, err := ws.DefaultDialer.Dial(f.wsURL("/realtime?key="+testKey), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err) // hello

	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(`{"type":"subscribe","channel":"room-1"}`)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err) // subscriptionSuccess
	require.Eventually(t, func() bool {
		return f.counters.Count("app-1:room-1") == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Shutdown(ctx))

	// The session was told to reconnect.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *ws.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, 4008, closeErr.Code)
		break
	}

	// And its counter contribution was flushed exactly once.
	require.Eventually(t, func() bool {
		return f.counters.Count("app-1:room-1") == 0
	}, time.Second, 5*time.Millisecond)
}
