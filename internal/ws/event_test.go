package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSplicesTypeDiscriminator(t *testing.T) {
	data, err := Encode(&SendTypingEvent{ReceiverID: "u2", IsTyping: true})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "sendTyping", m["type"])
	assert.Equal(t, "u2", m["receiverId"])
	assert.Equal(t, true, m["isTyping"])
}

func TestEncodeEmptyEventStillHasType(t *testing.T) {
	data, err := Encode(&UserOnlineEvent{})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "userOnline", m["type"])
}

func TestDecodeRoundTrip(t *testing.T) {
	orig := &MessageConfirmedEvent{
		ClientToken:    "tok-1",
		MessageID:      "m-1",
		ConversationID: "c-1",
		Timestamp:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := Encode(orig)
	require.NoError(t, err)

	ev, err := Decode(data)
	require.NoError(t, err)
	got, ok := ev.(*MessageConfirmedEvent)
	require.True(t, ok, "expected *MessageConfirmedEvent, got %T", ev)
	assert.Equal(t, orig, got)
}

func TestDecodeHello(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"hello","sessionId":"s1","token":"abc"}`))
	require.NoError(t, err)
	hello, ok := ev.(*HelloEvent)
	require.True(t, ok)
	assert.Equal(t, "s1", hello.SessionID)
	assert.Equal(t, "abc", hello.Token)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"somethingNew","x":1}`))
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"receiverId":"u2"}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":"sendMessage"`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownEvent)
}
