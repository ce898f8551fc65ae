package evstore

import (
	"context"
	"log/slog"
)

// EventStream is a lightweight handle for one stream. Handles are cheap;
// two handles for the same stream are interchangeable.
type EventStream struct {
	store  *EventStore
	stream Stream
}

func (s *EventStream) StreamID() string    { return s.stream.ID }
func (s *EventStream) Aggregation() string { return s.stream.Aggregation }
func (s *EventStream) Stream() Stream      { return s.stream }

// AddEvent persists payload as the next event of the stream and, once it is
// committed, publishes it. Only committed events are published.
//
// If publishing fails under PublishFailurePropagate the committed event is
// returned together with a *PublishError.
func (s *EventStream) AddEvent(ctx context.Context, payload any) (Event, error) {
	provider, err := s.store.Provider()
	if err != nil {
		return Event{}, err
	}

	data, err := EncodePayload(payload)
	if err != nil {
		return Event{}, err
	}

	m := s.store.metrics
	timer := m.AddEventDuration(s.stream.Aggregation)
	ev, err := provider.AddEvent(ctx, s.stream, data)
	timer.ObserveDuration()
	if err != nil {
		m.PersistenceFailed(OpAddEvent)
		return Event{}, err
	}
	m.EventAdded(s.stream.Aggregation)

	s.store.log.Debug(
		"event added",
		s.stream.SlogAttr(),
		slog.Uint64("sequence", ev.Sequence),
	)

	if s.store.publisher == nil {
		return ev, nil
	}
	if err := s.store.publish(ctx, Message{Stream: s.stream, Event: ev}); err != nil {
		return ev, err
	}
	return ev, nil
}

// GetEvents reads the stream in ascending sequence order.
func (s *EventStream) GetEvents(ctx context.Context, opts ...PageOption) ([]Event, error) {
	provider, err := s.store.Provider()
	if err != nil {
		return nil, err
	}

	defer s.store.metrics.ReadDuration(OpGetEvents).ObserveDuration()

	events, err := provider.GetEvents(ctx, s.stream, NewPage(opts...))
	if err != nil {
		s.store.metrics.PersistenceFailed(OpGetEvents)
		return nil, err
	}
	return events, nil
}
