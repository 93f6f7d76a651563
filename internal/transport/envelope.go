// Package transport implements the Evaluator Transport: a CloudEvents-style
// envelope carried over a gorilla/websocket duplex, with server-side
// broadcast and client-side reconnect-with-backoff.
package transport

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire format every message on the bus is wrapped in,
// modeled on the CloudEvents envelope shape named in the external
// interface contract.
type Envelope struct {
	ID     string          `json:"id" validate:"required"`
	Source string          `json:"source" validate:"required"`
	Type   string          `json:"type" validate:"required"`
	Time   time.Time       `json:"time" validate:"required"`
	Data   json.RawMessage `json:"data"`
}

// NewEnvelope wraps data in an Envelope, marshaling it to JSON and stamping
// a fresh id and the current time.
func NewEnvelope(source, eventType string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:     uuid.New().String(),
		Source: source,
		Type:   eventType,
		Time:   time.Now().UTC(),
		Data:   raw,
	}, nil
}
