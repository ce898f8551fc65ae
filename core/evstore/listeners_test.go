package evstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/core/evstore/evtests"
)

type watchLog struct {
	mu     sync.Mutex
	events []string
}

func (w *watchLog) hook(prefix string) evstore.WatchFunc {
	return func(_ context.Context, aggregation string) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.events = append(w.events, prefix+":"+aggregation)
		return nil
	}
}

func (w *watchLog) get() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.events...)
}

func TestListeners_WatchTransitions(t *testing.T) {
	var wl watchLog
	l := evstore.NewListeners(evstore.ListenersConfig{
		OnWatch:   wl.hook("watch"),
		OnUnwatch: wl.hook("unwatch"),
	})
	ctx := t.Context()
	noop := func(evstore.Message) {}
	msg := evstore.Message{Stream: evstore.NewStream("orders", "1")}

	require.Zero(t, l.Notify(msg))

	a, err := l.Add(ctx, "orders", noop)
	require.NoError(t, err)
	b, err := l.Add(ctx, "orders", noop)
	require.NoError(t, err)
	require.Equal(t, 2, l.Notify(msg))
	require.Equal(t, []string{"watch:orders"}, wl.get())

	require.NoError(t, a.Remove(ctx))
	require.NoError(t, a.Remove(ctx))
	require.Equal(t, 1, l.Notify(msg))

	require.NoError(t, b.Remove(ctx))
	require.Zero(t, l.Notify(msg))
	require.Equal(t, []string{"watch:orders", "unwatch:orders"}, wl.get())

	// second round behaves like the first
	c, err := l.Add(ctx, "orders", noop)
	require.NoError(t, err)
	require.NoError(t, c.Remove(ctx))
	require.Equal(t, []string{"watch:orders", "unwatch:orders", "watch:orders", "unwatch:orders"}, wl.get())
}

func TestListeners_WatchError(t *testing.T) {
	boom := errors.New("subscribe failed")
	l := evstore.NewListeners(evstore.ListenersConfig{
		OnWatch: func(context.Context, string) error { return boom },
	})

	_, err := l.Add(t.Context(), "orders", func(evstore.Message) {})
	require.ErrorIs(t, err, boom)
	require.Zero(t, l.Notify(evstore.Message{Stream: evstore.NewStream("orders", "1")}))
}

func TestListeners_Notify(t *testing.T) {
	l := evstore.NewListeners(evstore.ListenersConfig{})
	ctx := t.Context()

	fn, ch := evtests.Collect(t)
	_, err := l.Add(ctx, "orders", fn)
	require.NoError(t, err)

	n := l.Notify(evstore.Message{Stream: evstore.NewStream("orders", "1")})
	require.Equal(t, 1, n)
	require.Len(t, ch, 1)

	n = l.Notify(evstore.Message{Stream: evstore.NewStream("audit", "1")})
	require.Equal(t, 0, n)
	require.Len(t, ch, 1)
}

func TestListeners_PanickingSubscriber(t *testing.T) {
	l := evstore.NewListeners(evstore.ListenersConfig{})
	ctx := t.Context()

	_, err := l.Add(ctx, "orders", func(evstore.Message) { panic("boom") })
	require.NoError(t, err)
	fn, ch := evtests.Collect(t)
	_, err = l.Add(ctx, "orders", fn)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		l.Notify(evstore.Message{Stream: evstore.NewStream("orders", "1")})
	})
	require.Len(t, ch, 1)
}

func TestListeners_SubscribeFromSubscriber(t *testing.T) {
	l := evstore.NewListeners(evstore.ListenersConfig{})
	ctx := t.Context()

	var nested evstore.Subscription
	_, err := l.Add(ctx, "orders", func(evstore.Message) {
		if nested == nil {
			var err error
			nested, err = l.Add(ctx, "orders", func(evstore.Message) {})
			require.NoError(t, err)
		}
	})
	require.NoError(t, err)

	require.Equal(t, 1, l.Notify(evstore.Message{Stream: evstore.NewStream("orders", "1")}))
	require.NotNil(t, nested)
	require.Equal(t, 2, l.Notify(evstore.Message{Stream: evstore.NewStream("orders", "1")}))
}

func TestListeners_AsyncKeepsOrder(t *testing.T) {
	l := evstore.NewListeners(evstore.ListenersConfig{Async: true, BufferSize: 4})
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	ctx := t.Context()

	fn, ch := evtests.Collect(t)
	_, err := l.Add(ctx, "orders", fn)
	require.NoError(t, err)

	const n = 50
	for i := range n {
		l.Notify(evstore.Message{
			Stream: evstore.NewStream("orders", "1"),
			Event:  evstore.Event{Sequence: uint64(i)},
		})
	}
	for i := range n {
		msg := evtests.Receive(t, ch, time.Second)
		require.Equal(t, uint64(i), msg.Event.Sequence)
	}
}

func TestListeners_Close(t *testing.T) {
	var wl watchLog
	l := evstore.NewListeners(evstore.ListenersConfig{OnUnwatch: wl.hook("unwatch")})
	ctx := t.Context()

	_, err := l.Add(ctx, "orders", func(evstore.Message) {})
	require.NoError(t, err)
	_, err = l.Add(ctx, "audit", func(evstore.Message) {})
	require.NoError(t, err)

	require.NoError(t, l.Close(ctx))
	require.NoError(t, l.Close(ctx))
	require.ElementsMatch(t, []string{"unwatch:orders", "unwatch:audit"}, wl.get())
	require.Zero(t, l.Notify(evstore.Message{Stream: evstore.NewStream("orders", "1")}))

	_, err = l.Add(ctx, "orders", func(evstore.Message) {})
	require.ErrorIs(t, err, evstore.ErrClosed)
}

func TestListeners_SlowWatchDoesNotBlockOtherAggregations(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	l := evstore.NewListeners(evstore.ListenersConfig{
		OnWatch: func(_ context.Context, aggregation string) error {
			if aggregation == "slow" {
				close(entered)
				<-release
			}
			return nil
		},
	})
	ctx := t.Context()

	slowDone := make(chan error, 1)
	go func() {
		_, err := l.Add(ctx, "slow", func(evstore.Message) {})
		slowDone <- err
	}()
	<-entered

	fn, ch := evtests.Collect(t)
	added := make(chan error, 1)
	go func() {
		_, err := l.Add(ctx, "orders", fn)
		added <- err
	}()
	select {
	case err := <-added:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("add blocked by another aggregation's watch")
	}

	require.Equal(t, 1, l.Notify(evstore.Message{Stream: evstore.NewStream("orders", "1")}))
	evtests.Receive(t, ch, time.Second)
	require.Zero(t, l.Notify(evstore.Message{Stream: evstore.NewStream("slow", "1")}))

	close(release)
	require.NoError(t, <-slowDone)
	require.Equal(t, 1, l.Notify(evstore.Message{Stream: evstore.NewStream("slow", "1")}))
}

func TestListeners_WatchAndUnwatchOfOneAggregationDoNotOverlap(t *testing.T) {
	var (
		mu      sync.Mutex
		running int
		maxSeen int
	)
	hook := func(context.Context, string) error {
		mu.Lock()
		running++
		maxSeen = max(maxSeen, running)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}
	l := evstore.NewListeners(evstore.ListenersConfig{OnWatch: hook, OnUnwatch: hook})
	ctx := t.Context()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				sub, err := l.Add(ctx, "orders", func(evstore.Message) {})
				if err != nil {
					t.Error(err)
					return
				}
				if err := sub.Remove(ctx); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, maxSeen)
	require.Zero(t, l.Notify(evstore.Message{Stream: evstore.NewStream("orders", "1")}))
}

func TestListeners_CloseWaitsForWatchInProgress(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var wl watchLog
	l := evstore.NewListeners(evstore.ListenersConfig{
		OnWatch: func(_ context.Context, aggregation string) error {
			if aggregation == "orders" {
				close(entered)
				<-release
			}
			return nil
		},
		OnUnwatch: wl.hook("unwatch"),
	})
	ctx := t.Context()

	added := make(chan error, 1)
	go func() {
		_, err := l.Add(ctx, "orders", func(evstore.Message) {})
		added <- err
	}()
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- l.Close(ctx) }()

	require.Eventually(t, func() bool {
		_, err := l.Add(ctx, "audit", func(evstore.Message) {})
		return errors.Is(err, evstore.ErrClosed)
	}, time.Second, time.Millisecond)
	select {
	case <-closed:
		t.Fatal("close returned while a watch was in progress")
	default:
	}

	close(release)
	require.ErrorIs(t, <-added, evstore.ErrClosed)
	require.NoError(t, <-closed)
	unwatched := 0
	for _, e := range wl.get() {
		if e == "unwatch:orders" {
			unwatched++
		}
	}
	require.Equal(t, 1, unwatched)
}
