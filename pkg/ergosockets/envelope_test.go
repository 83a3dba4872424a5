package ergosockets_test

import (
	"encoding/json"
	"testing"

	"github.com/lightforgemedia/go-bidsocket/pkg/ergosockets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventMarshalsPayload(t *testing.T) {
	env, err := ergosockets.NewEvent("join_bid_negotiation", "B1")
	require.NoError(t, err)

	assert.Equal(t, ergosockets.TypeEvent, env.Type)
	assert.Equal(t, "join_bid_negotiation", env.Event)
	assert.NotEmpty(t, env.ID)
	assert.JSONEq(t, `"B1"`, string(env.Payload))
}

func TestNewEventNilPayload(t *testing.T) {
	env, err := ergosockets.NewEvent("ping", nil)
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"payload"`)

	var target struct{ Name string }
	require.NoError(t, env.DecodePayload(&target))
	assert.Empty(t, target.Name)
}

func TestNewEventUnmarshalablePayload(t *testing.T) {
	_, err := ergosockets.NewEvent("bad", make(chan int))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bad"`)
}

func TestDecodePayload(t *testing.T) {
	env := &ergosockets.Envelope{Type: ergosockets.TypeEvent, Event: "x", Payload: json.RawMessage(`{"bidId":"B7","rate":12.5}`)}

	var msg struct {
		BidID string  `json:"bidId"`
		Rate  float64 `json:"rate"`
	}
	require.NoError(t, env.DecodePayload(&msg))
	assert.Equal(t, "B7", msg.BidID)
	assert.Equal(t, 12.5, msg.Rate)

	env.Payload = json.RawMessage(`{"bidId":`)
	assert.Error(t, env.DecodePayload(&msg))
}

func TestNewError(t *testing.T) {
	env := ergosockets.NewError("send_negotiation_message", 429, "slow down")
	assert.Equal(t, ergosockets.TypeError, env.Type)
	require.NotNil(t, env.Error)
	assert.Equal(t, 429, env.Error.Code)
	assert.Equal(t, "slow down", env.Error.Message)
}

func TestGenerateIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := ergosockets.GenerateID()
		assert.Len(t, id, 32)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}
