package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the discriminated wrapper every frame is sent as:
// {"type": "...", "payload": {...}}.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps a typed payload into an Envelope and marshals it to bytes.
func Encode(t Type, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env := Envelope{Type: t, Payload: raw}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// Decode unmarshals raw bytes into an Envelope without interpreting the
// payload; callers switch on Type and call DecodePayload.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// DecodePayload unmarshals the envelope's payload into dst.
func (e Envelope) DecodePayload(dst interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}
