package nats

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/core/evstore/evtests"
)

func TestNats_Provider(t *testing.T) {
	connect := ReuseConnection(NewTestContainer(t))

	evtests.RunProviderSuite(t, func(t *testing.T) evstore.PersistenceProvider {
		return NewTestProvider(t, connect)
	})

	t.Run("stream info", func(t *testing.T) {
		p := NewTestProvider(t, connect)
		si, err := p.stream.Info(t.Context())
		require.NoError(t, err)
		require.Equal(t, uint64(1), si.Config.FirstSeq)
		require.Equal(t, []string{p.subjectPrefix + ".>"}, si.Config.Subjects)
	})

	t.Run("rejects subject wildcards", func(t *testing.T) {
		p := NewTestProvider(t, connect)
		for _, s := range []evstore.Stream{
			evstore.NewStream("orders.eu", "1"),
			evstore.NewStream("orders", "*"),
			evstore.NewStream("orders", ">"),
			evstore.NewStream("orders", "a b"),
			evstore.NewStream("", "1"),
		} {
			_, err := p.AddEvent(t.Context(), s, json.RawMessage(`1`))
			require.ErrorIs(t, err, evstore.ErrInvalidStream, s.Key())
		}
	})

	t.Run("no dangling consumers", func(t *testing.T) {
		p := NewTestProvider(t, connect)
		stream := evstore.NewStream("orders", "1")
		_, err := p.AddEvent(t.Context(), stream, json.RawMessage(`1`))
		require.NoError(t, err)
		_, err = p.GetEvents(t.Context(), stream, evstore.Page{})
		require.NoError(t, err)

		names := p.stream.ConsumerNames(t.Context())
		var all []string
		for n := range names.Name() {
			all = append(all, n)
		}
		require.NoError(t, names.Err())
		require.Empty(t, all)
	})
}

func TestNats_Store(t *testing.T) {
	connect := ReuseConnection(NewTestContainer(t))

	evtests.RunStoreSuite(t, func(t *testing.T) *evstore.EventStore {
		return evstore.NewEventStore(
			evstore.WithProvider(NewTestProvider(t, connect)),
			evstore.WithPublisher(NewTestPublisher(t, connect)),
		)
	})
}

func TestSplitSubject(t *testing.T) {
	s, ok := splitSubject("evstore.events", "evstore.events.orders.o-1")
	require.True(t, ok)
	require.Equal(t, evstore.NewStream("orders", "o-1"), s)

	for _, subj := range []string{
		"evstore.events.orders",
		"evstore.events.orders.a.b",
		"other.orders.1",
		"evstore.events..1",
	} {
		_, ok := splitSubject("evstore.events", subj)
		require.False(t, ok, subj)
	}
}
