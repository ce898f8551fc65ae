package evstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/codewandler/evstore-go/internal/codec"
)

// Event is one immutable fact appended to a stream. CommitTimestamp and
// Sequence are assigned by the provider when the event is persisted and
// never change afterwards.
type Event struct {
	// Payload is the JSON encoded caller data.
	Payload json.RawMessage `json:"payload"`
	// CommitTimestamp is the provider clock at persistence time, in unix milliseconds.
	CommitTimestamp int64 `json:"commitTimestamp"`
	// Sequence is the zero-based position of the event within its stream.
	Sequence uint64 `json:"sequence"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return codec.Unmarshal(e.Payload, v)
}

func (e Event) CommittedAt() time.Time { return time.UnixMilli(e.CommitTimestamp) }

// Clone returns a copy that shares no memory with e.
func (e Event) Clone() Event {
	e.Payload = clonePayload(e.Payload)
	return e
}

// EncodePayload turns a caller payload into JSON. json.RawMessage and []byte
// are taken as already encoded and must be valid JSON.
func EncodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case json.RawMessage:
		return validPayload(p)
	case []byte:
		return validPayload(p)
	default:
		data, err := codec.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return data, nil
	}
}

func validPayload(p []byte) (json.RawMessage, error) {
	if !codec.Valid(p) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidPayload)
	}
	return clonePayload(p), nil
}

func clonePayload(p []byte) json.RawMessage {
	if p == nil {
		return nil
	}
	out := make(json.RawMessage, len(p))
	copy(out, p)
	return out
}
