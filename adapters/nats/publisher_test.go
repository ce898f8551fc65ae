package nats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/core/evstore/evtests"
)

func TestNats_Publisher(t *testing.T) {
	base := NewTestContainer(t)
	connect := ReuseConnection(base)

	evtests.RunPublisherSuite(t, func(t *testing.T) evstore.SubscribablePublisher {
		return NewTestPublisher(t, connect)
	}, evtests.PublisherSuiteOpts{})

	t.Run("unwatch releases the subject", func(t *testing.T) {
		p := NewTestPublisher(t, connect)
		ctx := t.Context()

		sub, err := p.Subscribe(ctx, "orders", func(evstore.Message) {})
		require.NoError(t, err)
		require.Len(t, p.subs, 1)

		require.NoError(t, sub.Remove(ctx))
		require.Empty(t, p.subs)
	})

	t.Run("two publishers on one prefix", func(t *testing.T) {
		a, err := NewPublisher(PublisherConfig{Connect: connect, SubjectPrefix: "evstore.shared." + testName()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = a.Close() })
		b, err := NewPublisher(PublisherConfig{Connect: connect, SubjectPrefix: a.prefix})
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })

		fn, ch := evtests.Collect(t)
		_, err = b.Subscribe(t.Context(), "orders", fn)
		require.NoError(t, err)

		delivered, err := a.Publish(t.Context(), evstore.Message{Stream: evstore.NewStream("orders", "1")})
		require.NoError(t, err)
		require.True(t, delivered)

		msg := evtests.Receive(t, ch, 5*time.Second)
		require.Equal(t, "1", msg.Stream.ID)
	})

	t.Run("close keeps a shared connection open", func(t *testing.T) {
		shared := ReuseConnection(base)
		nc, release, err := shared()
		require.NoError(t, err)
		t.Cleanup(release)

		p := NewTestPublisher(t, shared)
		_, err = p.Subscribe(t.Context(), "orders", func(evstore.Message) {})
		require.NoError(t, err)
		require.NoError(t, p.Close())
		require.Equal(t, "CONNECTED", nc.Status().String())

		other := NewTestPublisher(t, shared)
		fn, ch := evtests.Collect(t)
		_, err = other.Subscribe(t.Context(), "orders", fn)
		require.NoError(t, err)
		delivered, err := other.Publish(t.Context(), evstore.Message{Stream: evstore.NewStream("orders", "1")})
		require.NoError(t, err)
		require.True(t, delivered)
		evtests.Receive(t, ch, 5*time.Second)
	})

	t.Run("closed", func(t *testing.T) {
		p := NewTestPublisher(t, connect)
		require.NoError(t, p.Close())
		require.NoError(t, p.Close())

		_, err := p.Publish(t.Context(), evstore.Message{Stream: evstore.NewStream("orders", "1")})
		require.ErrorIs(t, err, evstore.ErrClosed)
		_, err = p.Subscribe(t.Context(), "orders", func(evstore.Message) {})
		require.ErrorIs(t, err, evstore.ErrClosed)
	})
}
