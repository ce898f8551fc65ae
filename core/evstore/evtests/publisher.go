package evtests

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/core/evstore"
)

// PublisherFactory returns a publisher with no subscribers. Every call must
// be isolated from the publishers returned by earlier calls.
type PublisherFactory func(t *testing.T) evstore.SubscribablePublisher

type PublisherSuiteOpts struct {
	// ExactDeliveryReport is set for publishers that know whether a
	// subscriber was reached. Broker backed publishers only know the
	// broker accepted the message.
	ExactDeliveryReport bool
	// Timeout bounds waiting for a delivery (default 5s).
	Timeout time.Duration
	// Quiet is how long to wait before concluding nothing arrives (default 300ms).
	Quiet time.Duration
}

func RunPublisherSuite(t *testing.T, newPublisher PublisherFactory, opts PublisherSuiteOpts) {
	t.Helper()

	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Quiet == 0 {
		opts.Quiet = 300 * time.Millisecond
	}

	t.Run("delivers to subscribers of the aggregation only", func(t *testing.T) {
		p := newPublisher(t)
		ctx := t.Context()

		orders, ordersCh := Collect(t)
		audit, auditCh := Collect(t)
		subscribe(t, p, "orders", orders)
		subscribe(t, p, "audit", audit)

		msg := testMessage("orders", "o-1", 0)
		_, err := p.Publish(ctx, msg)
		require.NoError(t, err)

		got := Receive(t, ordersCh, opts.Timeout)
		requireSameMessage(t, msg, got)
		NoReceive(t, auditCh, opts.Quiet)
	})

	t.Run("every subscriber receives", func(t *testing.T) {
		p := newPublisher(t)

		var chans []<-chan evstore.Message
		for range 3 {
			fn, ch := Collect(t)
			subscribe(t, p, "orders", fn)
			chans = append(chans, ch)
		}

		msg := testMessage("orders", "o-1", 0)
		_, err := p.Publish(t.Context(), msg)
		require.NoError(t, err)

		for _, ch := range chans {
			requireSameMessage(t, msg, Receive(t, ch, opts.Timeout))
		}
	})

	t.Run("remove stops delivery to that subscriber only", func(t *testing.T) {
		p := newPublisher(t)
		ctx := t.Context()

		kept, keptCh := Collect(t)
		removed, removedCh := Collect(t)
		subscribe(t, p, "orders", kept)
		sub := subscribe(t, p, "orders", removed)

		require.NoError(t, sub.Remove(ctx))
		require.NoError(t, sub.Remove(ctx))

		msg := testMessage("orders", "o-1", 0)
		_, err := p.Publish(ctx, msg)
		require.NoError(t, err)

		requireSameMessage(t, msg, Receive(t, keptCh, opts.Timeout))
		NoReceive(t, removedCh, opts.Quiet)
	})

	t.Run("watch again after unwatch", func(t *testing.T) {
		p := newPublisher(t)
		ctx := t.Context()

		first, firstCh := Collect(t)
		sub := subscribe(t, p, "orders", first)
		require.NoError(t, sub.Remove(ctx))

		second, secondCh := Collect(t)
		subscribe(t, p, "orders", second)

		msg := testMessage("orders", "o-1", 3)
		_, err := p.Publish(ctx, msg)
		require.NoError(t, err)

		requireSameMessage(t, msg, Receive(t, secondCh, opts.Timeout))
		NoReceive(t, firstCh, opts.Quiet)
	})

	t.Run("keeps publish order per aggregation", func(t *testing.T) {
		p := newPublisher(t)
		ctx := t.Context()

		fn, ch := Collect(t)
		subscribe(t, p, "orders", fn)

		const n = 10
		for i := range n {
			_, err := p.Publish(ctx, testMessage("orders", "o-1", uint64(i)))
			require.NoError(t, err)
		}
		for i := range n {
			got := Receive(t, ch, opts.Timeout)
			require.Equal(t, uint64(i), got.Event.Sequence)
		}
	})

	t.Run("publish without subscribers", func(t *testing.T) {
		p := newPublisher(t)

		delivered, err := p.Publish(t.Context(), testMessage("nobody", "1", 0))
		require.NoError(t, err)
		if opts.ExactDeliveryReport {
			require.False(t, delivered)
		}
	})

	if opts.ExactDeliveryReport {
		t.Run("publish reports delivery", func(t *testing.T) {
			p := newPublisher(t)
			ctx := t.Context()

			fn, ch := Collect(t)
			sub := subscribe(t, p, "orders", fn)

			delivered, err := p.Publish(ctx, testMessage("orders", "1", 0))
			require.NoError(t, err)
			require.True(t, delivered)
			Receive(t, ch, opts.Timeout)

			require.NoError(t, sub.Remove(ctx))
			delivered, err = p.Publish(ctx, testMessage("orders", "1", 1))
			require.NoError(t, err)
			require.False(t, delivered)
		})
	}
}

func subscribe(t *testing.T, p evstore.Subscribable, aggregation string, fn evstore.Subscriber) evstore.Subscription {
	t.Helper()
	sub, err := p.Subscribe(t.Context(), aggregation, fn)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

func testMessage(aggregation, id string, seq uint64) evstore.Message {
	return evstore.Message{
		Stream: evstore.NewStream(aggregation, id),
		Event: evstore.Event{
			Payload:         json.RawMessage(fmt.Sprintf(`{"seq":%d}`, seq)),
			CommitTimestamp: time.Now().UnixMilli(),
			Sequence:        seq,
		},
	}
}

func requireSameMessage(t *testing.T, want, got evstore.Message) {
	t.Helper()
	require.Equal(t, want.Stream, got.Stream)
	require.Equal(t, want.Event.Sequence, got.Event.Sequence)
	require.Equal(t, want.Event.CommitTimestamp, got.Event.CommitTimestamp)
	require.JSONEq(t, string(want.Event.Payload), string(got.Event.Payload))
}
