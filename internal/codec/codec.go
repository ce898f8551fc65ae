// Package codec holds the JSON codec used for event payloads, stored rows and
// broker messages. All backends share it so a payload round-trips to the same
// bytes no matter where it was stored.
package codec

import (
	jsoniter "github.com/json-iterator/go"
)

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// JSON is the shared codec instance.
var JSON Codec = JSONCodec{}

func Marshal(v any) ([]byte, error)   { return JSON.Marshal(v) }
func Unmarshal(b []byte, v any) error { return JSON.Unmarshal(b, v) }

// Valid reports whether b is a single valid JSON value.
func Valid(b []byte) bool { return json.Valid(b) }
