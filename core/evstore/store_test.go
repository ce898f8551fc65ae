package evstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/core/metrics"
)

func TestEventStore_NoProvider(t *testing.T) {
	s := evstore.NewEventStore()
	ctx := t.Context()

	_, err := s.Provider()
	require.ErrorIs(t, err, evstore.ErrNoProvider)
	require.ErrorIs(t, err, evstore.ErrConfiguration)

	_, err = s.GetEventStream("orders", "1").AddEvent(ctx, "A")
	require.ErrorIs(t, err, evstore.ErrNoProvider)

	_, err = s.GetEventStream("orders", "1").GetEvents(ctx)
	require.ErrorIs(t, err, evstore.ErrNoProvider)

	_, err = s.GetAggregations(ctx)
	require.ErrorIs(t, err, evstore.ErrConfiguration)

	_, err = s.GetStreams(ctx, "orders")
	require.ErrorIs(t, err, evstore.ErrConfiguration)
}

func TestEventStore_Subscribe_Configuration(t *testing.T) {
	ctx := t.Context()
	noop := func(evstore.Message) {}

	s := evstore.NewEventStore(evstore.WithProvider(evstore.NewInMemoryProvider()))
	_, err := s.Subscribe(ctx, "orders", noop)
	require.ErrorIs(t, err, evstore.ErrNoPublisher)
	require.ErrorIs(t, err, evstore.ErrConfiguration)

	s = evstore.NewEventStore(
		evstore.WithProvider(evstore.NewInMemoryProvider()),
		evstore.WithPublisher(&publishOnly{}),
	)
	_, err = s.Subscribe(ctx, "orders", noop)
	require.ErrorIs(t, err, evstore.ErrNotSubscribable)
	require.ErrorIs(t, err, evstore.ErrConfiguration)

	s = evstore.NewEventStore(evstore.WithInMemory())
	_, err = s.Subscribe(ctx, "orders", nil)
	require.ErrorIs(t, err, evstore.ErrNilSubscriber)
}

func TestEventStore_WithoutPublisher(t *testing.T) {
	s := evstore.NewEventStore(evstore.WithProvider(evstore.NewInMemoryProvider()))
	require.Nil(t, s.Publisher())

	ev, err := s.GetEventStream("orders", "1").AddEvent(t.Context(), "A")
	require.NoError(t, err)
	require.Equal(t, uint64(0), ev.Sequence)
}

func TestEventStream_Accessors(t *testing.T) {
	s := evstore.NewEventStore(evstore.WithInMemory())
	stream := s.GetEventStream("orders", "o-1")
	require.Equal(t, "orders", stream.Aggregation())
	require.Equal(t, "o-1", stream.StreamID())
	require.Equal(t, evstore.NewStream("orders", "o-1"), stream.Stream())
	require.Equal(t, "6:orders:o-1", stream.Stream().Key())
	require.Equal(t, "orders:o-1", stream.Stream().String())
}

func TestEventStream_PersistenceFailure_SkipsPublish(t *testing.T) {
	pub := &recordingPublisher{}
	boom := errors.New("disk on fire")
	s := evstore.NewEventStore(
		evstore.WithProvider(&failingProvider{err: boom}),
		evstore.WithPublisher(pub),
	)

	_, err := s.GetEventStream("orders", "1").AddEvent(t.Context(), "A")
	require.ErrorIs(t, err, evstore.ErrPersistence)
	require.ErrorIs(t, err, boom)
	require.False(t, evstore.Committed(err))
	require.Empty(t, pub.messages())
}

func TestEventStream_PublishFailure_Propagate(t *testing.T) {
	boom := errors.New("broker down")
	s := evstore.NewEventStore(
		evstore.WithProvider(evstore.NewInMemoryProvider()),
		evstore.WithPublisher(&recordingPublisher{err: boom}),
	)
	stream := s.GetEventStream("orders", "1")

	ev, err := stream.AddEvent(t.Context(), "A")
	require.ErrorIs(t, err, evstore.ErrPublish)
	require.ErrorIs(t, err, boom)
	require.True(t, evstore.Committed(err))

	var pubErr *evstore.PublishError
	require.ErrorAs(t, err, &pubErr)
	require.Equal(t, ev, pubErr.Message.Event)
	require.Equal(t, stream.Stream(), pubErr.Message.Stream)

	// the event is committed regardless
	events, err := stream.GetEvents(t.Context())
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, uint64(0), ev.Sequence)
}

func TestEventStream_PublishFailure_Log(t *testing.T) {
	m := newCountingMetrics()
	s := evstore.NewEventStore(
		evstore.WithProvider(evstore.NewInMemoryProvider()),
		evstore.WithPublisher(&recordingPublisher{err: errors.New("broker down")}),
		evstore.WithPublishFailurePolicy(evstore.PublishFailureLog),
		evstore.WithMetrics(m),
	)

	ev, err := s.GetEventStream("orders", "1").AddEvent(t.Context(), "A")
	require.NoError(t, err)
	require.Equal(t, uint64(0), ev.Sequence)
	require.Equal(t, 1, m.get("publish_failed:orders"))
}

func TestEventStream_PublishesCommittedEvent(t *testing.T) {
	pub := &recordingPublisher{}
	s := evstore.NewEventStore(
		evstore.WithProvider(evstore.NewInMemoryProvider()),
		evstore.WithPublisher(pub),
	)

	ev, err := s.GetEventStream("orders", "1").AddEvent(t.Context(), json.RawMessage(`{"item":"book"}`))
	require.NoError(t, err)

	msgs := pub.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, evstore.NewStream("orders", "1"), msgs[0].Stream)
	require.Equal(t, ev, msgs[0].Event)
}

func TestEventStream_SubscriberSeesPersistedEvent(t *testing.T) {
	s := evstore.NewEventStore(evstore.WithInMemory())
	ctx := t.Context()

	var readBack []evstore.Event
	_, err := s.Subscribe(ctx, "orders", func(msg evstore.Message) {
		events, err := s.GetEventStream(msg.Stream.Aggregation, msg.Stream.ID).GetEvents(ctx)
		if err == nil {
			readBack = events
		}
	})
	require.NoError(t, err)

	ev, err := s.GetEventStream("orders", "1").AddEvent(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, []evstore.Event{ev}, readBack)
}

func TestEventStore_Metrics(t *testing.T) {
	m := newCountingMetrics()
	s := evstore.NewEventStore(evstore.WithInMemory(), evstore.WithMetrics(m))
	ctx := t.Context()

	sub, err := s.Subscribe(ctx, "orders", func(evstore.Message) {})
	require.NoError(t, err)

	stream := s.GetEventStream("orders", "1")
	_, err = stream.AddEvent(ctx, "A")
	require.NoError(t, err)
	_, err = s.GetEventStream("audit", "1").AddEvent(ctx, "B")
	require.NoError(t, err)
	_, err = stream.GetEvents(ctx)
	require.NoError(t, err)

	require.NoError(t, sub.Remove(ctx))
	require.NoError(t, sub.Remove(ctx))

	require.Equal(t, 1, m.get("added:orders"))
	require.Equal(t, 1, m.get("added:audit"))
	require.Equal(t, 1, m.get("add_duration:orders"))
	require.Equal(t, 1, m.get("published:orders:true"))
	require.Equal(t, 1, m.get("published:audit:false"))
	require.Equal(t, 1, m.get("read:"+evstore.OpGetEvents))
	require.Equal(t, 1, m.get("sub_added:orders"))
	require.Equal(t, 1, m.get("sub_removed:orders"))
}

func TestEventStore_Close(t *testing.T) {
	prov := &closingProvider{PersistenceProvider: evstore.NewInMemoryProvider()}
	pub := &recordingPublisher{}
	s := evstore.NewEventStore(evstore.WithProvider(prov), evstore.WithPublisher(pub))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Equal(t, 1, prov.closed)
	require.Equal(t, 1, pub.closed)
}

func TestInMemoryProvider_Clock(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := evstore.NewInMemoryProvider(evstore.WithClock(func() time.Time { return at }))

	ev, err := p.AddEvent(t.Context(), evstore.NewStream("orders", "1"), json.RawMessage(`1`))
	require.NoError(t, err)
	require.Equal(t, at.UnixMilli(), ev.CommitTimestamp)
	require.True(t, at.Equal(ev.CommittedAt()))
}

func TestEventStore_WithClock(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := evstore.NewEventStore(evstore.WithInMemory(), evstore.WithClock(func() time.Time { return at }))
	t.Cleanup(func() { _ = s.Close() })

	ev, err := s.GetEventStream("orders", "1").AddEvent(t.Context(), "created")
	require.NoError(t, err)
	require.Equal(t, at.UnixMilli(), ev.CommitTimestamp)
}

func TestInMemoryProvider_CanceledContext(t *testing.T) {
	p := evstore.NewInMemoryProvider()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := p.AddEvent(ctx, evstore.NewStream("orders", "1"), json.RawMessage(`1`))
	require.ErrorIs(t, err, evstore.ErrPersistence)
	require.ErrorIs(t, err, context.Canceled)

	aggs, err := p.GetAggregations(t.Context(), evstore.Page{})
	require.NoError(t, err)
	require.Empty(t, aggs)
}

func TestInMemoryProvider_Isolated(t *testing.T) {
	a := evstore.NewInMemoryProvider()
	b := evstore.NewInMemoryProvider()

	_, err := a.AddEvent(t.Context(), evstore.NewStream("orders", "1"), json.RawMessage(`1`))
	require.NoError(t, err)

	aggs, err := b.GetAggregations(t.Context(), evstore.Page{})
	require.NoError(t, err)
	require.Empty(t, aggs)
}

// ----- fakes -----

type publishOnly struct{}

func (publishOnly) Publish(context.Context, evstore.Message) (bool, error) { return false, nil }

type recordingPublisher struct {
	mu     sync.Mutex
	msgs   []evstore.Message
	err    error
	closed int
}

func (p *recordingPublisher) Publish(_ context.Context, msg evstore.Message) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	p.msgs = append(p.msgs, msg)
	return true, nil
}

func (p *recordingPublisher) messages() []evstore.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]evstore.Message(nil), p.msgs...)
}

func (p *recordingPublisher) Close() error {
	p.closed++
	return nil
}

type failingProvider struct {
	evstore.PersistenceProvider
	err error
}

func (p *failingProvider) AddEvent(_ context.Context, stream evstore.Stream, _ json.RawMessage) (evstore.Event, error) {
	return evstore.Event{}, evstore.NewPersistenceError(evstore.OpAddEvent, stream, p.err)
}

type closingProvider struct {
	evstore.PersistenceProvider
	closed int
}

func (p *closingProvider) Close() error {
	p.closed++
	return nil
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: map[string]int{}}
}

func (m *countingMetrics) inc(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
}

func (m *countingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *countingMetrics) timer(key string) metrics.Timer {
	return timerFunc(func() { m.inc(key) })
}

type timerFunc func()

func (f timerFunc) ObserveDuration() { f() }

func (m *countingMetrics) AddEventDuration(agg string) metrics.Timer {
	return m.timer("add_duration:" + agg)
}

func (m *countingMetrics) ReadDuration(op string) metrics.Timer {
	return m.timer("read:" + op)
}

func (m *countingMetrics) Published(agg string, delivered bool) {
	if delivered {
		m.inc("published:" + agg + ":true")
		return
	}
	m.inc("published:" + agg + ":false")
}

func (m *countingMetrics) EventAdded(agg string)          { m.inc("added:" + agg) }
func (m *countingMetrics) PersistenceFailed(op string)    { m.inc("failed:" + op) }
func (m *countingMetrics) PublishFailed(agg string)       { m.inc("publish_failed:" + agg) }
func (m *countingMetrics) SubscriptionAdded(agg string)   { m.inc("sub_added:" + agg) }
func (m *countingMetrics) SubscriptionRemoved(agg string) { m.inc("sub_removed:" + agg) }
