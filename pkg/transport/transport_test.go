package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lightforgemedia/go-bidsocket/pkg/ergosockets"
	"github.com/lightforgemedia/go-bidsocket/pkg/shared_types"
	"github.com/lightforgemedia/go-bidsocket/pkg/testutil"
	"github.com/lightforgemedia/go-bidsocket/pkg/transport"
	"github.com/lightforgemedia/go-bidsocket/pkg/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialFirstFallsBack(t *testing.T) {
	primary := transporttest.New("primary")
	primary.FailAll(true)
	fallback := transporttest.New("fallback")

	conn, used, err := transport.DialFirst(context.Background(), "http://example.test", []transport.Transport{primary, fallback}, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "fallback", used.Name())
	assert.Equal(t, 1, primary.Attempts())
	assert.Equal(t, 0, primary.Dials())
	assert.Equal(t, 1, fallback.Dials())
}

func TestDialFirstAllFail(t *testing.T) {
	a := transporttest.New("a")
	a.FailAll(true)
	b := transporttest.New("b")
	b.FailAll(true)

	_, _, err := transport.DialFirst(context.Background(), "http://example.test", []transport.Transport{a, b}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, transporttest.ErrDialRefused)
	assert.Contains(t, err.Error(), "a:")
	assert.Contains(t, err.Error(), "b:")

	_, _, err = transport.DialFirst(context.Background(), "http://example.test", nil, nil)
	require.Error(t, err)
}

func TestByName(t *testing.T) {
	ts, err := transport.ByName([]string{"websocket", " Polling "}, nil, nil)
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, transport.NameWebSocket, ts[0].Name())
	assert.Equal(t, transport.NamePolling, ts[1].Name())

	_, err = transport.ByName([]string{"carrier-pigeon"}, nil, nil)
	assert.Error(t, err)

	_, err = transport.ByName(nil, nil, nil)
	assert.Error(t, err)
}

func TestWebSocketRoundTrip(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer wg.Done()
		assert.Equal(t, "/ws", r.URL.Path)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		var env ergosockets.Envelope
		if err := wsjson.Read(r.Context(), conn, &env); err != nil {
			t.Errorf("read: %v", err)
			return
		}
		env.Event = "echo:" + env.Event
		_ = wsjson.Write(r.Context(), conn, &env)
	}))
	defer srv.Close()

	ws := &transport.WebSocket{}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := ws.Dial(ctx, srv.URL)
	require.NoError(t, err)
	defer conn.Close()

	out, err := ergosockets.NewEvent("join", "E1")
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, out))

	in, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo:join", in.Event)
	var payload string
	require.NoError(t, json.Unmarshal(in.Payload, &payload))
	assert.Equal(t, "E1", payload)

	_, err = conn.Read(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
	wg.Wait()
}

func TestWebSocketDialBadEndpoint(t *testing.T) {
	ws := &transport.WebSocket{}
	_, err := ws.Dial(context.Background(), "ftp://example.test")
	assert.Error(t, err)
	_, err = ws.Dial(context.Background(), "/relative")
	assert.Error(t, err)
}

func TestPollingOpenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := &transport.Polling{}
	_, err := p.Dial(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestPollingRoundTrip(t *testing.T) {
	ts := testutil.NewTestServer(t)
	p := &transport.Polling{Wait: 200 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := p.Dial(ctx, ts.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, ts.Relay.Sessions())

	join, err := ergosockets.NewEvent(shared_types.EventJoinBidNegotiation, "B1")
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, join))
	assert.Equal(t, 1, ts.Relay.BidMembers("B1"))

	require.NoError(t, ts.Relay.PostMessage(ctx, shared_types.NegotiationMessage{BidID: "B1", Message: "over polling"}))
	env, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, shared_types.EventNewNegotiationMessage, env.Event)
	var msg shared_types.NegotiationMessage
	require.NoError(t, env.DecodePayload(&msg))
	assert.Equal(t, "over polling", msg.Message)

	require.NoError(t, conn.Close())
	require.NoError(t, testutil.WaitFor(t, "session closed", 2*time.Second, func() bool { return ts.Relay.Sessions() == 0 }))
	_, err = conn.Read(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, conn.Write(ctx, join), transport.ErrClosed)
}
