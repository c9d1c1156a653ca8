package envelope

import (
	"encoding/json"
	"fmt"
	"sync"
)

type (
	// DecodeFunc converts a raw payload into its typed message value.
	DecodeFunc func(json.RawMessage) (any, error)

	// Codec dispatches payload decoding by envelope type. Decoders are
	// registered at startup; decoding an unregistered type is a
	// DecodeError, never a silent drop.
	Codec struct {
		mu       sync.RWMutex
		decoders map[string]DecodeFunc
	}
)

// NewCodec constructs an empty codec.
func NewCodec() *Codec {
	return &Codec{decoders: make(map[string]DecodeFunc)}
}

// Register installs a payload decoder for a message type. Registering the
// same type twice replaces the previous decoder.
func (c *Codec) Register(msgType string, fn DecodeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoders[msgType] = fn
}

// Known reports whether a decoder is registered for the message type.
func (c *Codec) Known(msgType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.decoders[msgType]
	return ok
}

// DecodePayload converts the envelope payload into its registered typed
// value. Payloads of unregistered types fail with a DecodeError.
func (c *Codec) DecodePayload(e *Envelope) (any, error) {
	c.mu.RLock()
	fn, ok := c.decoders[e.Type]
	c.mu.RUnlock()
	if !ok {
		return nil, &DecodeError{Type: e.Type, Err: fmt.Errorf("no decoder registered")}
	}
	v, err := fn(e.Payload)
	if err != nil {
		return nil, &DecodeError{Type: e.Type, Err: err}
	}
	return v, nil
}

// DecoderFor returns a DecodeFunc that unmarshals payloads into values of
// type T. Unknown payload fields are preserved by the envelope, so the
// decoder itself is permissive about extra fields.
func DecoderFor[T any]() DecodeFunc {
	return func(raw json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return &v, nil
	}
}
