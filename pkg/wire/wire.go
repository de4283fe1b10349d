// Package wire defines the envelope format exchanged with a channelmq gateway.
//
// An envelope is a JSON object {"topic": ..., "payload": ...} where the payload
// field is itself a JSON document serialized to a string. The double encoding is
// deliberate and must survive relay byte-for-byte: the gateway forwards frames
// without re-encoding the inner payload.
package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire unit carried over both connections.
type Envelope struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// Encode serializes v to JSON, wraps it in an Envelope for topic, and
// serializes the envelope itself. The result is a complete text frame.
func Encode(topic string, v any) ([]byte, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload for topic '%s': %w", topic, err)
	}
	frame, err := json.Marshal(Envelope{Topic: topic, Payload: string(inner)})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope for topic '%s': %w", topic, err)
	}
	return frame, nil
}

// Decode parses the outer envelope from a received frame. The inner payload is
// left encoded; use DecodePayload or ValidPayload on the result.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	if env.Topic == "" {
		return Envelope{}, fmt.Errorf("wire: envelope missing topic")
	}
	return env, nil
}

// DecodePayload unmarshals the inner payload into v (must be a pointer).
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal([]byte(e.Payload), v); err != nil {
		return fmt.Errorf("wire: unmarshal payload for topic '%s': %w", e.Topic, err)
	}
	return nil
}

// ValidPayload reports whether the inner payload is well-formed JSON.
func (e Envelope) ValidPayload() bool {
	return json.Valid([]byte(e.Payload))
}
