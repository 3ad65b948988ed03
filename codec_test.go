package mockwire

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodec_RoundTrip(t *testing.T) {
	codec := JSONCodec{}
	m := Message{
		Type:    "ping",
		Payload: json.RawMessage(`{"seq":7}`),
		TraceID: "trace-123",
	}

	data, err := codec.Encode(m)
	require.NoError(t, err)

	got, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, m.Type, got.Type)
	assert.JSONEq(t, string(m.Payload), string(got.Payload))
	assert.Equal(t, m.TraceID, got.TraceID)
}

func TestJSONCodec_OmitsEmptyFields(t *testing.T) {
	data, err := JSONCodec{}.Encode(Message{Type: "ping"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))
}

func TestJSONCodec_DecodeError(t *testing.T) {
	_, err := JSONCodec{}.Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestCodecError_Message(t *testing.T) {
	cause := errors.New("boom")
	m := Message{Type: "ping"}
	err := &CodecError{
		Codec:     "json",
		Direction: DirectionEncode,
		Cause:     cause,
		Message:   &m,
	}

	assert.Equal(t, "json codec: encode failed: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "ping", err.Message.Type)
}

func TestCodecError_DecodeHasNoOriginal(t *testing.T) {
	err := &CodecError{Codec: "json", Direction: DirectionDecode, Cause: errors.New("bad byte")}
	assert.Nil(t, err.Message)
	assert.Contains(t, err.Error(), "decode failed")
}
