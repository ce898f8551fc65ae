package evstore

import (
	"context"
	"encoding/json"
)

// Provider operation names used in PersistenceError and metrics.
const (
	OpAddEvent        = "add_event"
	OpGetEvents       = "get_events"
	OpGetAggregations = "get_aggregations"
	OpGetStreams      = "get_streams"
)

// PersistenceProvider is the storage contract every backend satisfies.
//
// AddEvent must assign the next sequence atomically per stream, starting
// at 0, and stamp the event with the provider clock. It also registers the
// stream in the discovery index; registering twice must not produce
// duplicates in GetAggregations or GetStreams.
//
// GetEvents returns events in ascending sequence order. GetAggregations and
// GetStreams return distinct names sorted lexicographically. Unknown
// streams and aggregations yield empty results, not errors.
//
// Storage failures are reported as *PersistenceError.
type PersistenceProvider interface {
	AddEvent(ctx context.Context, stream Stream, payload json.RawMessage) (Event, error)
	GetEvents(ctx context.Context, stream Stream, page Page) ([]Event, error)
	GetAggregations(ctx context.Context, page Page) ([]string, error)
	GetStreams(ctx context.Context, aggregation string, page Page) ([]string, error)
}
