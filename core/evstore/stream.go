package evstore

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/codewandler/evstore-go/internal/codec"
)

// Stream identifies one ordered log of events: an aggregation and a stream
// id unique within it. A stream exists implicitly once it holds an event.
type Stream struct {
	Aggregation string `json:"aggregation"`
	ID          string `json:"id"`
}

func NewStream(aggregation, id string) Stream {
	return Stream{Aggregation: aggregation, ID: id}
}

// Key returns "<len(aggregation)>:<aggregation>:<id>". The length prefix
// keeps ("a:b", "c") and ("a", "b:c") apart, so Key is unique per stream
// whatever characters the names contain.
func (s Stream) Key() string {
	return strconv.Itoa(len(s.Aggregation)) + ":" + s.Aggregation + ":" + s.ID
}

// String returns "<aggregation>:<id>" for display.
func (s Stream) String() string { return s.Aggregation + ":" + s.ID }

func (s Stream) SlogAttr() slog.Attr {
	return slog.Group(
		"stream",
		slog.String("aggregation", s.Aggregation),
		slog.String("id", s.ID),
	)
}

// Validate checks that both parts are set. The core never calls it;
// providers with stricter addressing rules do.
func (s Stream) Validate() error {
	if s.Aggregation == "" {
		return fmt.Errorf("%w: aggregation is empty", ErrInvalidStream)
	}
	if s.ID == "" {
		return fmt.Errorf("%w: stream id is empty", ErrInvalidStream)
	}
	return nil
}

// Message is the notification emitted after an event was committed.
type Message struct {
	Stream Stream `json:"stream"`
	Event  Event  `json:"event"`
}

func (m Message) Encode() ([]byte, error) { return codec.Marshal(m) }

func DecodeMessage(data []byte) (msg Message, err error) {
	err = codec.Unmarshal(data, &msg)
	return
}
