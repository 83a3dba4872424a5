package relay_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/lightforgemedia/go-bidsocket/pkg/relay"
	"github.com/lightforgemedia/go-bidsocket/pkg/testutil"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isNATSServerRunning() bool {
	nc, err := nats.Connect(nats.DefaultURL)
	if err != nil {
		return false
	}
	nc.Close()
	return true
}

func redisAddr() string {
	if addr := os.Getenv("BIDSOCKET_TEST_REDIS"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func isRedisServerRunning() bool {
	c := redis.NewClient(&redis.Options{Addr: redisAddr(), DialTimeout: 200 * time.Millisecond})
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	return c.Ping(ctx).Err() == nil
}

// exerciseBackplane checks that two subscribers both get a delivery and
// that a cancelled subscription stops receiving.
func exerciseBackplane(t *testing.T, bp relay.Backplane) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan relay.Delivery, 4)
	second := make(chan relay.Delivery, 4)
	require.NoError(t, bp.Subscribe(ctx, func(d relay.Delivery) { first <- d }))
	secondCtx, stopSecond := context.WithCancel(ctx)
	require.NoError(t, bp.Subscribe(secondCtx, func(d relay.Delivery) { second <- d }))

	want := relay.Delivery{
		Origin:  "relay-a",
		Rooms:   []string{"bid:B1", "shipper:S1"},
		Event:   "new_negotiation_message",
		Payload: json.RawMessage(`{"bidId":"B1"}`),
	}
	require.NoError(t, bp.Publish(ctx, want))

	for _, ch := range []chan relay.Delivery{first, second} {
		select {
		case got := <-ch:
			assert.Equal(t, want.Origin, got.Origin)
			assert.Equal(t, want.Rooms, got.Rooms)
			assert.Equal(t, want.Event, got.Event)
			assert.JSONEq(t, string(want.Payload), string(got.Payload))
		case <-time.After(3 * time.Second):
			t.Fatal("delivery not received")
		}
	}

	stopSecond()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, bp.Publish(ctx, want))
	select {
	case <-first:
	case <-time.After(3 * time.Second):
		t.Fatal("remaining subscriber missed delivery")
	}
	select {
	case <-second:
		t.Fatal("cancelled subscriber still receiving")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBackplane(t *testing.T) {
	bp := relay.NewMemoryBackplane(0, testutil.Logger())
	exerciseBackplane(t, bp)

	require.NoError(t, bp.Close())
	require.NoError(t, bp.Close())
	assert.ErrorIs(t, bp.Publish(context.Background(), relay.Delivery{}), relay.ErrBackplaneClosed)
	assert.ErrorIs(t, bp.Subscribe(context.Background(), func(relay.Delivery) {}), relay.ErrBackplaneClosed)
}

func TestNATSBackplane(t *testing.T) {
	if !isNATSServerRunning() {
		t.Skip("Skipping test because no NATS server is running")
	}
	bp, err := relay.NewNATSBackplane(relay.NATSOptions{
		Subject: "bidsocket.test." + t.Name(),
		Logger:  testutil.Logger(),
	})
	require.NoError(t, err)
	exerciseBackplane(t, bp)

	require.NoError(t, bp.Close())
	assert.ErrorIs(t, bp.Publish(context.Background(), relay.Delivery{}), relay.ErrBackplaneClosed)
}

func TestRedisBackplane(t *testing.T) {
	if !isRedisServerRunning() {
		t.Skip("Skipping test because no Redis server is running")
	}
	bp, err := relay.NewRedisBackplane(context.Background(), relay.RedisOptions{
		Addr:    redisAddr(),
		Channel: "bidsocket.test." + t.Name(),
		Logger:  testutil.Logger(),
	})
	require.NoError(t, err)
	defer bp.Close()
	exerciseBackplane(t, bp)
}

func TestRedisBackplaneUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := relay.NewRedisBackplane(ctx, relay.RedisOptions{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}
