package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Decode errors distinguish malformed frames (connection-terminal) from frames
// that are valid JSON but carry a wrongly typed field.
var (
	ErrMalformed   = errors.New("protocol: frame is not valid JSON")
	ErrWrongType   = errors.New("protocol: field has wrong JSON type")
	ErrMissingType = errors.New("protocol: frame has no type")
)

// Decode parses a raw frame into an Envelope with strict type checking.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%w: field %q expected %s", ErrWrongType, typeErr.Field, typeErr.Type)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	return &env, nil
}

// DecodePayload unmarshals an envelope's payload (or data, whichever is set)
// into the given message struct with the same error classification as Decode.
func DecodePayload(env *Envelope, v any) error {
	raw := env.Payload
	if len(raw) == 0 {
		raw = env.Data
	}
	if len(raw) == 0 {
		return fmt.Errorf("%w: %s carries no payload", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return fmt.Errorf("%w: field %q expected %s", ErrWrongType, typeErr.Field, typeErr.Type)
		}
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Now returns the current UTC time; frames always carry UTC timestamps.
func Now() time.Time {
	return time.Now().UTC()
}
