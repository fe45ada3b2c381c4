package relay

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/gmencz/mycelium/internal/domain"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	testRedisURL string
	redContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	// Parse flags to check for -short
	flag.Parse()

	// Skip container setup if running in short mode
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	redContainer, err = redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := redContainer.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	defer func() {
		if err := redContainer.Terminate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to terminate redis container: %v\n", err)
		}
	}()
	os.Exit(m.Run())
}

func setupTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	opts, err := goredis.ParseURL(testRedisURL)
	require.NoError(t, err)
	client := goredis.NewClient(opts)
	require.NoError(t, client.FlushAll(ctx).Err())

	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestRedisRelayFansOutToAllListeners(t *testing.T) {
	client := setupTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Two relays stand in for two broker instances sharing the bus.
	relay1 := NewRedisRelay(client, slog.Default())
	relay2 := NewRedisRelay(client, slog.Default())

	got1 := make(chan domain.Envelope, 1)
	got2 := make(chan domain.Envelope, 1)
	go relay1.Listen(ctx, func(env domain.Envelope) { got1 <- env })
	go relay2.Listen(ctx, func(env domain.Envelope) { got2 <- env })

	// Give the subscriptions a moment to establish.
	time.Sleep(200 * time.Millisecond)

	env := domain.Envelope{Channel: "app-1:room-1", PublisherID: "session-1", Data: "hi"}
	require.NoError(t, relay1.Publish(ctx, env))

	for _, got := range []chan domain.Envelope{got1, got2} {
		select {
		case delivered := <-got:
			assert.Equal(t, env, delivered)
		case <-time.After(2 * time.Second):
			t.Fatal("envelope was not delivered")
		}
	}
}

func TestRedisRelaySkipsMalformedPayloads(t *testing.T) {
	client := setupTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewRedisRelay(client, slog.Default())
	got := make(chan domain.Envelope, 1)
	go bus.Listen(ctx, func(env domain.Envelope) { got <- env })
	time.Sleep(200 * time.Millisecond)

	// Garbage straight onto the topic, then a valid envelope.
	require.NoError(t, client.Publish(ctx, "mycelium:channels", "not json").Err())
	require.NoError(t, bus.Publish(ctx, domain.Envelope{Channel: "app-1:x", Data: 1}))

	select {
	case env := <-got:
		assert.Equal(t, "app-1:x", env.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("listener died on malformed payload")
	}
}

func TestInstanceRegistry(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	clock := clockwork.NewRealClock()

	reg1 := NewInstanceRegistry(client, clock, "instance-1", time.Minute, "test")
	reg2 := NewInstanceRegistry(client, clock, "instance-2", time.Minute, "test")

	runCtx, cancel := context.WithCancel(ctx)
	go reg1.Start(runCtx)
	go reg2.Start(runCtx)

	require.Eventually(t, func() bool {
		infos, err := reg1.ActiveInstances(ctx)
		return err == nil && len(infos) == 2
	}, 2*time.Second, 20*time.Millisecond)

	// A stale heartbeat drops out of the active set without being removed
	// from the hash.
	stale := InstanceInfo{InstanceID: "instance-3", Timestamp: clock.Now().Add(-2 * time.Minute).Unix(), Version: "test"}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, client.HSet(ctx, "mycelium:instances", stale.InstanceID, data).Err())

	infos, err := reg1.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	// Stopping an instance unregisters it.
	cancel()
	require.Eventually(t, func() bool {
		fields, err := client.HKeys(ctx, "mycelium:instances").Result()
		if err != nil {
			return false
		}
		for _, f := range fields {
			if f == "instance-1" || f == "instance-2" {
				return false
			}
		}
		return true
	}, 2*time.Second, 20*time.Millisecond)
}
