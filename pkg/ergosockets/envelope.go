// ergosockets/envelope.go
package ergosockets

import (
	"encoding/json"
	"fmt"
)

// ErrorPayload defines the structure for errors within an Envelope.
type ErrorPayload struct {
	Code    int    `json:"code,omitempty"`    // Application-specific or HTTP-like status code
	Message string `json:"message,omitempty"` // Human-readable error message
}

// Envelope is the frame exchanged between a bidsocket client and the
// real-time server. Every domain event travels as Type "event" with the
// event name in Event, the way a socket emit names its channel.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"` // `null` if no payload.
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// Constants for Envelope Type
const (
	TypeEvent = "event"
	TypeError = "error" // Server rejected an event, e.g. rate limited or malformed.
)

// NewEnvelope creates a basic envelope.
// A nil payloadData leaves Payload nil, which marshals as JSON `null`.
func NewEnvelope(typ, event string, payloadData interface{}, errPayload *ErrorPayload) (*Envelope, error) {
	var payloadBytes json.RawMessage
	if payloadData != nil {
		b, err := json.Marshal(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload for event %q: %w", event, err)
		}
		payloadBytes = b
	}
	return &Envelope{
		ID:      GenerateID(),
		Type:    typ,
		Event:   event,
		Payload: payloadBytes,
		Error:   errPayload,
	}, nil
}

// NewEvent creates an event envelope carrying payloadData.
func NewEvent(event string, payloadData interface{}) (*Envelope, error) {
	return NewEnvelope(TypeEvent, event, payloadData, nil)
}

// NewError creates an error envelope referring to event.
func NewError(event string, code int, message string) *Envelope {
	env, _ := NewEnvelope(TypeError, event, nil, &ErrorPayload{Code: code, Message: message})
	return env
}

// DecodePayload unmarshals the Envelope's Payload into the provided value (must be a pointer).
// A null or missing payload leaves v untouched.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}
