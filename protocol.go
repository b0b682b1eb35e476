package broadcast

import (
	"encoding/json"
	"errors"
)

// Event is a server-pushed change notification.
type Event struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("broadcast: event has no payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// NewEvent builds an event envelope, encoding payload as JSON.
func NewEvent(channel, event string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Channel: channel, Event: event, Payload: data}, nil
}

// --- Control frames (Client -> Server) ---

// subscribeFrame asks the server to start forwarding the listed channels.
type subscribeFrame struct {
	Subscribe []string `json:"subscribe"`
}

// unsubscribeFrame asks the server to stop forwarding the listed channels.
type unsubscribeFrame struct {
	Unsubscribe []string `json:"unsubscribe"`
}

// NewSubscribeFrame encodes a subscribe control frame.
func NewSubscribeFrame(channels ...string) []byte {
	data, _ := json.Marshal(subscribeFrame{Subscribe: channels})
	return data
}

// NewUnsubscribeFrame encodes an unsubscribe control frame.
func NewUnsubscribeFrame(channels ...string) []byte {
	data, _ := json.Marshal(unsubscribeFrame{Unsubscribe: channels})
	return data
}

// DecodeEvent parses an inbound frame. Frames that are not JSON objects or
// lack a channel name are reported as *MalformedMessageError.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, &MalformedMessageError{Data: data, Err: err}
	}
	if event.Channel == "" {
		return Event{}, &MalformedMessageError{Data: data, Err: errors.New("missing channel")}
	}
	return event, nil
}
