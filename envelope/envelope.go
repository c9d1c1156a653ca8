// Package envelope implements the on-wire metadata wrapper around every
// Fulcrum message. An Envelope carries a fixed header (type, sender, target,
// correlation id, timestamp, schema version) and an opaque payload tree.
//
// The envelope shape is fixed: unknown header fields are a decode error.
// Payloads are kept as raw JSON so unknown payload fields survive
// pass-through unchanged.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// Envelope is the immutable metadata wrapper around every message on
	// the bus. TargetID is empty for broadcasts.
	Envelope struct {
		// Type identifies the message kind and selects the payload decoder.
		Type string `json:"type"`
		// SenderID is the sending service's id (temporary until the first
		// successful registration, permanent thereafter).
		SenderID string `json:"senderId"`
		// TargetID addresses a single service; empty means broadcast.
		TargetID string `json:"targetId,omitempty"`
		// CorrelationID links requests to responses.
		CorrelationID string `json:"correlationId"`
		// Timestamp is the publish time in Unix milliseconds.
		Timestamp int64 `json:"timestamp"`
		// Version is the envelope schema version.
		Version int `json:"version"`
		// Payload is the typed message body, preserved verbatim.
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// DecodeError reports an envelope or payload that could not be parsed.
	// The message is dropped by the bus and a counter incremented; the
	// offending type name is retained for diagnostics.
	DecodeError struct {
		// Type is the envelope type, when known.
		Type string
		// Err is the underlying parse failure.
		Err error
	}
)

// SchemaVersion is the current envelope schema version.
const SchemaVersion = 1

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("decode %q: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("decode envelope: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error { return e.Err }

// New constructs an envelope around the given payload value. The payload is
// marshaled immediately; a fresh correlation id and the current timestamp
// are assigned.
func New(msgType, senderID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %q: %w", msgType, err)
	}
	return &Envelope{
		Type:          msgType,
		SenderID:      senderID,
		CorrelationID: uuid.New().String(),
		Timestamp:     time.Now().UnixMilli(),
		Version:       SchemaVersion,
		Payload:       raw,
	}, nil
}

// WithTarget returns a copy of the envelope addressed to the given service.
func (e *Envelope) WithTarget(targetID string) *Envelope {
	clone := *e
	clone.TargetID = targetID
	return &clone
}

// Reply constructs a response envelope correlated with this one. The reply
// targets the original sender and reuses the request's correlation id.
func (e *Envelope) Reply(msgType, senderID string, payload any) (*Envelope, error) {
	resp, err := New(msgType, senderID, payload)
	if err != nil {
		return nil, err
	}
	resp.TargetID = e.SenderID
	resp.CorrelationID = e.CorrelationID
	return resp, nil
}

// Encode serializes the envelope to its wire form. Encoding a well-formed
// envelope never fails; the error return covers payloads injected by hand.
func Encode(e *Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %q: %w", e.Type, err)
	}
	return b, nil
}

// Decode parses an envelope from its wire form. Unknown fields at the
// envelope level are an error; unknown fields inside the payload are
// preserved untouched.
func Decode(b []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if e.Type == "" {
		return nil, &DecodeError{Err: fmt.Errorf("missing type")}
	}
	return &e, nil
}
