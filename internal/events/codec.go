package events

import (
	"fmt"

	"github.com/bytedance/sonic"
)

var codec = sonic.ConfigStd

// Marshal encodes an event for the wire.
func Marshal(e Event) ([]byte, error) {
	return codec.Marshal(e)
}

// Unmarshal decodes and validates an event. Undecodable payloads are malformed events.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := codec.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
