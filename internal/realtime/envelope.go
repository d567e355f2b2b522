package realtime

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Lifecycle events dispatched by the Manager itself. They never travel over the wire.
const (
	EventConnect       = "connect"
	EventDisconnect    = "disconnect"
	EventConnectError  = "connect_error"
	EventConnectFailed = "connect_failed"
)

// Envelope is one frame on the wire. Seq is set on every outbound frame and increases by one per
// emitted event for the lifetime of a Manager.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Seq   uint64          `json:"seq,omitempty"`
}

// ConnectErrorPayload is the data of connect_error and connect_failed.
type ConnectErrorPayload struct {
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
}

// DisconnectPayload is the data of disconnect.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

// MarshalData encodes an emit payload. A json.RawMessage passes through unchanged.
func MarshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) > 0 && !json.Valid(v) {
			return nil, errors.New("event data is not valid json")
		}
		return v, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "marshal event data")
	}
	return b, nil
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if env.Event == "" {
		return Envelope{}, errors.New("envelope has no event name")
	}
	return env, nil
}
