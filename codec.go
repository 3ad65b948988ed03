package mockwire

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Message is the application-level unit exchanged through an adapter.
// It is constructed by codec decode on receive, or by the caller on send,
// and is never mutated after construction.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TraceID string          `json:"traceId,omitempty"`
}

// Codec converts between wire bytes and Messages at the adapter boundary.
// Implementations must be safe for concurrent use; a single codec instance
// is shared by every connection of an adapter.
type Codec interface {
	// Name identifies the codec in errors and logs.
	Name() string
	// Encode serializes a Message into wire bytes.
	Encode(Message) ([]byte, error)
	// Decode parses wire bytes into a Message.
	Decode([]byte) (Message, error)
}

// Codec directions reported by CodecError.
const (
	DirectionEncode = "encode"
	DirectionDecode = "decode"
)

// CodecError reports a failed encode or decode at the adapter boundary.
// Decode failures are recoverable per-message: the connection that produced
// the bytes stays open. Encode failures are returned to the Send caller and
// carry the original message.
type CodecError struct {
	Codec     string
	Direction string
	Cause     error
	Message   *Message // original message for encode failures, nil on decode
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s codec: %s failed: %v", e.Codec, e.Direction, e.Cause)
}

func (e *CodecError) Unwrap() error {
	return e.Cause
}

// JSONCodec is the default codec: one UTF-8 JSON object per message.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "marshal message")
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, errors.Wrap(err, "unmarshal message")
	}
	return m, nil
}
