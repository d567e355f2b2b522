package relay

import (
	"encoding/json"

	"rentchat/internal/realtime"
)

// delivery addresses one encoded envelope to a room and/or a set of users. It is what travels
// between relay instances over Redis.
type delivery struct {
	Room    string          `json:"room,omitempty"`
	Users   []string        `json:"users,omitempty"`
	Except  string          `json:"except,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// inbound is a frame a client sent, tagged with who sent it.
type inbound struct {
	client *Client
	env    realtime.Envelope
}

func encode(event string, data any) (json.RawMessage, error) {
	raw, err := realtime.MarshalData(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(realtime.Envelope{Event: event, Data: raw})
}
