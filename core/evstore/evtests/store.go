package evtests

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/core/evstore"
)

// StoreFactory returns a store wired with an empty provider and a
// subscribable publisher.
type StoreFactory func(t *testing.T) *evstore.EventStore

// RunStoreSuite checks the store level behaviour on top of a provider and
// publisher pair.
func RunStoreSuite(t *testing.T, newStore StoreFactory) {
	t.Helper()

	t.Run("orders scenario", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		stream := s.GetEventStream("orders", "1")

		a, err := stream.AddEvent(ctx, "A")
		require.NoError(t, err)
		require.Equal(t, uint64(0), a.Sequence)
		require.Positive(t, a.CommitTimestamp)
		requirePayload(t, "A", a)

		b, err := stream.AddEvent(ctx, "B")
		require.NoError(t, err)
		require.Equal(t, uint64(1), b.Sequence)
		requirePayload(t, "B", b)

		events, err := stream.GetEvents(ctx)
		require.NoError(t, err)
		require.Len(t, events, 2)
		requirePayload(t, "A", events[0])
		requirePayload(t, "B", events[1])

		aggs, err := s.GetAggregations(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"orders"}, aggs)

		streams, err := s.GetStreams(ctx, "orders")
		require.NoError(t, err)
		require.Equal(t, []string{"1"}, streams)
	})

	t.Run("subscribers see committed events", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		fn, ch := Collect(t)
		sub, err := s.Subscribe(ctx, "orders", fn)
		require.NoError(t, err)
		defer func() { require.NoError(t, sub.Remove(ctx)) }()

		other, otherCh := Collect(t)
		otherSub, err := s.Subscribe(ctx, "audit", other)
		require.NoError(t, err)
		defer func() { require.NoError(t, otherSub.Remove(ctx)) }()

		ev, err := s.GetEventStream("orders", "o-1").AddEvent(ctx, map[string]any{"item": "book"})
		require.NoError(t, err)

		msg := Receive(t, ch, 5*time.Second)
		require.Equal(t, evstore.NewStream("orders", "o-1"), msg.Stream)
		require.Equal(t, ev.Sequence, msg.Event.Sequence)
		require.Equal(t, ev.CommitTimestamp, msg.Event.CommitTimestamp)
		require.JSONEq(t, string(ev.Payload), string(msg.Event.Payload))

		// the delivered event must already be readable
		events, err := s.GetEventStream("orders", "o-1").GetEvents(ctx, evstore.WithOffset(msg.Event.Sequence))
		require.NoError(t, err)
		require.NotEmpty(t, events)
		require.Equal(t, msg.Event.Sequence, events[0].Sequence)

		NoReceive(t, otherCh, 300*time.Millisecond)
	})

	t.Run("removed subscriber is not called", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		kept, keptCh := Collect(t)
		removed, removedCh := Collect(t)
		_, err := s.Subscribe(ctx, "orders", kept)
		require.NoError(t, err)
		sub, err := s.Subscribe(ctx, "orders", removed)
		require.NoError(t, err)

		require.NoError(t, sub.Remove(ctx))
		require.NoError(t, sub.Remove(ctx))

		_, err = s.GetEventStream("orders", "1").AddEvent(ctx, "x")
		require.NoError(t, err)

		Receive(t, keptCh, 5*time.Second)
		NoReceive(t, removedCh, 300*time.Millisecond)
	})

	t.Run("invalid payload is not persisted", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		_, err := s.GetEventStream("orders", "1").AddEvent(ctx, []byte("{not json"))
		require.ErrorIs(t, err, evstore.ErrInvalidPayload)

		_, err = s.GetEventStream("orders", "1").AddEvent(ctx, func() {})
		require.ErrorIs(t, err, evstore.ErrInvalidPayload)

		aggs, err := s.GetAggregations(ctx)
		require.NoError(t, err)
		require.Empty(t, aggs)
	})
}

func requirePayload(t *testing.T, want string, ev evstore.Event) {
	t.Helper()
	var got string
	require.NoError(t, ev.Decode(&got))
	require.Equal(t, want, got)
}
