// bidsocket/client/client_test.go
package client_test

import (
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-bidsocket/pkg/client"
	"github.com/lightforgemedia/go-bidsocket/pkg/ergosockets"
	"github.com/lightforgemedia/go-bidsocket/pkg/identity"
	"github.com/lightforgemedia/go-bidsocket/pkg/rooms"
	"github.com/lightforgemedia/go-bidsocket/pkg/shared_types"
	"github.com/lightforgemedia/go-bidsocket/pkg/testutil"
	"github.com/lightforgemedia/go-bidsocket/pkg/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 2 * time.Second
	quiet       = 100 * time.Millisecond
)

var shipper = identity.Identity{Role: shared_types.RoleShipper, ShipperID: "S1"}

func newTestManager(t *testing.T, pipe *transporttest.Pipe, id identity.Resolver, opts ...client.Option) *client.Manager {
	t.Helper()
	base := []client.Option{
		client.WithLogger(testutil.Logger()),
		client.WithTransports(pipe),
		client.WithIdentity(id),
		client.WithReconnect(5, 10*time.Millisecond),
		client.WithWriteTimeout(time.Second),
	}
	m := client.New("http://relay.test", append(base, opts...)...)
	t.Cleanup(m.Disconnect)
	return m
}

type wireEvent struct {
	Event   string
	Payload string
}

func decode(t *testing.T, envs []*ergosockets.Envelope) []wireEvent {
	t.Helper()
	out := make([]wireEvent, 0, len(envs))
	for _, env := range envs {
		var p string
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		out = append(out, wireEvent{env.Event, p})
	}
	return out
}

func TestInitializeConnectsAndAnnounces(t *testing.T) {
	pipe := transporttest.New("")
	m := newTestManager(t, pipe, identity.Static(shipper))

	assert.False(t, m.IsConnected())
	assert.Equal(t, client.StateDisconnected, m.State())

	require.NoError(t, m.Initialize())
	peer := pipe.Accept(t, waitTimeout)
	require.NoError(t, testutil.WaitForConnected(t, m, true, waitTimeout))
	assert.Equal(t, client.StateConnected, m.State())
	assert.Equal(t, "pipe", m.Transport())

	got := decode(t, peer.Drain(quiet))
	assert.Equal(t, []wireEvent{{shared_types.EventJoinShipper, "S1"}}, got)
}

func TestInitializeTwiceOpensOneConnection(t *testing.T) {
	pipe := transporttest.New("")
	m := newTestManager(t, pipe, identity.Static(shipper))

	require.NoError(t, m.Initialize())
	pipe.Accept(t, waitTimeout)
	require.NoError(t, testutil.WaitForConnected(t, m, true, waitTimeout))

	require.NoError(t, m.Initialize())
	require.NoError(t, m.Initialize())
	time.Sleep(quiet)

	assert.Equal(t, 1, pipe.Dials())
	assert.Equal(t, 1, m.Dials())
}

func TestInitializeWithoutIdentity(t *testing.T) {
	pipe := transporttest.New("")
	m := newTestManager(t, pipe, identity.Static(identity.Identity{}))

	err := m.Initialize()
	require.ErrorIs(t, err, identity.ErrNoIdentity)
	time.Sleep(quiet)

	assert.Zero(t, pipe.Attempts())
	assert.False(t, m.HasConnection())
	assert.Equal(t, client.StateDisconnected, m.State())

	nilResolver := client.New("http://relay.test", client.WithTransports(pipe), client.WithLogger(testutil.Logger()))
	assert.ErrorIs(t, nilResolver.Initialize(), identity.ErrNoIdentity)
}

func TestEmployeeAnnouncement(t *testing.T) {
	pipe := transporttest.New("")
	m := newTestManager(t, pipe, identity.Static(identity.Identity{Role: "sales", EmpID: "VPL007"}))

	require.NoError(t, m.Initialize())
	peer := pipe.Accept(t, waitTimeout)

	assert.Equal(t, []wireEvent{{shared_types.EventJoinEmployee, "VPL007"}}, decode(t, peer.Drain(quiet)))
}

func TestReconnectReplaysRoomsExactlyOnce(t *testing.T) {
	pipe := transporttest.New("")
	m := newTestManager(t, pipe, identity.Static(shipper))
	tracker := rooms.New(m, testutil.Logger())
	m.AttachRooms(tracker)

	require.NoError(t, m.Initialize())
	first := pipe.Accept(t, waitTimeout)
	require.NoError(t, testutil.WaitForConnected(t, m, true, waitTimeout))

	tracker.JoinMultiple([]string{"B1", "B2", "B3"})
	tracker.LeaveTopic("B2")
	first.Drain(quiet)

	first.Drop()
	require.NoError(t, testutil.WaitFor(t, "second dial", waitTimeout, func() bool { return pipe.Dials() == 2 }))
	second := pipe.Accept(t, waitTimeout)
	require.NoError(t, testutil.WaitForConnected(t, m, true, waitTimeout))

	got := decode(t, second.Drain(quiet))
	sort.Slice(got, func(i, j int) bool { return got[i].Event+got[i].Payload < got[j].Event+got[j].Payload })
	assert.Equal(t, []wireEvent{
		{shared_types.EventJoinBidNegotiation, "B1"},
		{shared_types.EventJoinBidNegotiation, "B3"},
		{shared_types.EventJoinShipper, "S1"},
	}, got)
	assert.Equal(t, []string{"B1", "B3"}, tracker.Snapshot(), "drop keeps membership")
}

func TestTransportDropFlipsConnectedFlag(t *testing.T) {
	pipe := transporttest.New("")
	m := newTestManager(t, pipe, identity.Static(shipper), client.WithReconnect(5, 500*time.Millisecond))

	require.NoError(t, m.Initialize())
	peer := pipe.Accept(t, waitTimeout)
	require.NoError(t, testutil.WaitForConnected(t, m, true, waitTimeout))

	peer.Drop()
	require.NoError(t, testutil.WaitForConnected(t, m, false, waitTimeout))
	assert.True(t, m.HasConnection())
	assert.ErrorIs(t, m.Emit("anything", nil), client.ErrNotConnected)
}

func TestDisconnect(t *testing.T) {
	pipe := transporttest.New("")
	m := newTestManager(t, pipe, identity.Static(shipper))
	tracker := rooms.New(m, nil)
	m.AttachRooms(tracker)

	require.NoError(t, m.Initialize())
	peer := pipe.Accept(t, waitTimeout)
	require.NoError(t, testutil.WaitForConnected(t, m, true, waitTimeout))
	tracker.JoinTopic("B1")

	m.Disconnect()
	assert.False(t, m.IsConnected())
	assert.False(t, m.HasConnection())
	assert.Equal(t, client.StateDisconnected, m.State())
	assert.Zero(t, tracker.Len())
	_, ok := m.Identity()
	assert.False(t, ok)
	require.NoError(t, testutil.WaitFor(t, "pipe closed", waitTimeout, peer.Closed))

	time.Sleep(quiet)
	assert.Equal(t, 1, pipe.Dials(), "no reconnect after explicit disconnect")

	m.Disconnect()
}

func TestDisconnectNeverConnected(t *testing.T) {
	m := client.New("", client.WithLogger(testutil.Logger()))
	tracker := rooms.New(m, nil)
	m.AttachRooms(tracker)

	assert.NotPanics(t, m.Disconnect)
	assert.Zero(t, tracker.Len())
	assert.False(t, m.IsConnected())

	tracker.JoinTopic("B1")
	assert.Zero(t, tracker.Len(), "no session, join ignored")
}

func TestInitializeAfterDisconnectReconnects(t *testing.T) {
	pipe := transporttest.New("")
	m := newTestManager(t, pipe, identity.Static(shipper))

	require.NoError(t, m.Initialize())
	pipe.Accept(t, waitTimeout)
	require.NoError(t, testutil.WaitForConnected(t, m, true, waitTimeout))

	m.Disconnect()
	require.NoError(t, m.Initialize())
	pipe.Accept(t, waitTimeout)
	require.NoError(t, testutil.WaitForConnected(t, m, true, waitTimeout))
	assert.Equal(t, 2, pipe.Dials())
}

func TestBoundedAttemptsThenReconnect(t *testing.T) {
	pipe := transporttest.New("")
	pipe.FailAll(true)
	m := newTestManager(t, pipe, identity.Static(shipper), client.WithReconnect(3, 5*time.Millisecond))

	require.NoError(t, m.Initialize())
	require.NoError(t, testutil.WaitFor(t, "give up", waitTimeout, func() bool {
		return m.State() == client.StateDisconnected && pipe.Attempts() == 3
	}))
	time.Sleep(quiet)
	assert.Equal(t, 3, pipe.Attempts(), "no attempts beyond the bound")
	assert.Equal(t, 3, m.Attempts())
	assert.False(t, m.IsConnected())
	assert.True(t, m.HasConnection())

	pipe.FailAll(false)
	require.NoError(t, m.Reconnect())
	pipe.Accept(t, waitTimeout)
	require.NoError(t, testutil.WaitForConnected(t, m, true, waitTimeout))
	assert.Zero(t, m.Attempts())
}

func TestConnectErrorsRetriedWithinBound(t *testing.T) {
	pipe := transporttest.New("")
	pipe.FailNext(2)
	m := newTestManager(t, pipe, identity.Static(shipper))

	require.NoError(t, m.Initialize())
	pipe.Accept(t, waitTimeout)
	require.NoError(t, testutil.WaitForConnected(t, m, true, waitTimeout))
	assert.Equal(t, 3, pipe.Attempts())
}

func TestReconnectWithoutSessionInitializes(t *testing.T) {
	pipe := transporttest.New("")
	m := newTestManager(t, pipe, identity.Static(shipper))

	require.NoError(t, m.Reconnect())
	pipe.Accept(t, waitTimeout)
	require.NoError(t, testutil.WaitForConnected(t, m, true, waitTimeout))
}

func TestInboundEventsDispatched(t *testing.T) {
	pipe := transporttest.New("")
	m := newTestManager(t, pipe, identity.Static(shipper))

	var mu sync.Mutex
	var got []string
	off := m.On(shared_types.EventNewNegotiationMessage, func(env *ergosockets.Envelope) {
		var msg shared_types.NegotiationMessage
		assert.NoError(t, env.DecodePayload(&msg))
		mu.Lock()
		got = append(got, msg.BidID)
		mu.Unlock()
	})
	m.On("other", func(*ergosockets.Envelope) { panic("handler bug") })

	require.NoError(t, m.Initialize())
	peer := pipe.Accept(t, waitTimeout)

	require.True(t, peer.Send("other", nil))
	require.True(t, peer.Send(shared_types.EventNewNegotiationMessage, shared_types.NegotiationMessage{BidID: "B1"}))
	require.True(t, peer.Send(shared_types.EventNewNegotiationMessage, shared_types.NegotiationMessage{BidID: "B2"}))
	require.NoError(t, testutil.WaitFor(t, "two events", waitTimeout, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}))

	off()
	require.True(t, peer.Send(shared_types.EventNewNegotiationMessage, shared_types.NegotiationMessage{BidID: "B3"}))
	time.Sleep(quiet)
	mu.Lock()
	assert.Equal(t, []string{"B1", "B2"}, got, "delivery order preserved, removed handler silent")
	mu.Unlock()
	assert.True(t, m.IsConnected(), "a panicking handler does not kill the connection")
}

func TestEmitBeforeInitialize(t *testing.T) {
	m := client.New("", client.WithLogger(testutil.Logger()))
	assert.ErrorIs(t, m.Emit(shared_types.EventJoinBidNegotiation, "B1"), client.ErrNotConnected)
	assert.Error(t, m.Emit("bad", make(chan int)))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", client.StateDisconnected.String())
	assert.Equal(t, "connecting", client.StateConnecting.String())
	assert.Equal(t, "connected", client.StateConnected.String())
	assert.Equal(t, "state(9)", client.State(9).String())
}

func TestDefaultOptions(t *testing.T) {
	opts := client.DefaultOptions()
	assert.Equal(t, client.DefaultEndpoint, opts.Endpoint)
	assert.NotNil(t, opts.Logger)
	require.Len(t, opts.Transports, 2)
	assert.Equal(t, "websocket", opts.Transports[0].Name())
	assert.Equal(t, "polling", opts.Transports[1].Name())
	assert.Greater(t, opts.ReconnectAttempts, 0)
	assert.Greater(t, opts.ReconnectDelay, time.Duration(0))

	m := client.NewWithOptions(client.Options{})
	assert.NotEmpty(t, m.ID())
	assert.Equal(t, client.StateDisconnected, m.State())
}
