package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeSync     = "sync"
	TypePresence = "presence"
	TypePing     = "ping"
	TypePong     = "pong"
)

var ErrMalformedMessage = errors.New("malformed message")

// Bytes is a delta carried inside a JSON envelope. Browsers send it either as base64 or
// as an array of byte values; it is always written back as base64.
type Bytes []byte

func (b *Bytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("failed to decode base64 data: %w", err)
		}
		*b = raw
		return nil
	case '[':
		var values []uint8
		if err := json.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("failed to decode byte array: %w", err)
		}
		*b = values
		return nil
	default:
		return fmt.Errorf("unsupported data encoding %q", data[0])
	}
}

// Envelope is a text frame. Only the fields of the named type are set.
type Envelope struct {
	Type      string          `json:"type"`
	Data      Bytes           `json:"data,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	switch env.Type {
	case TypeSync:
		if len(env.Data) == 0 {
			return Envelope{}, fmt.Errorf("%w: sync message without data", ErrMalformedMessage)
		}
	case TypePresence, TypePing:
	case "":
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, env.Type)
	}
	return env, nil
}

func encodeSync(delta []byte) ([]byte, error) {
	return json.Marshal(Envelope{Type: TypeSync, Data: delta})
}

func encodePong(timestamp json.RawMessage) ([]byte, error) {
	if len(timestamp) == 0 {
		timestamp = json.RawMessage("null")
	}
	return json.Marshal(struct {
		Type      string          `json:"type"`
		Timestamp json.RawMessage `json:"timestamp"`
	}{TypePong, timestamp})
}
