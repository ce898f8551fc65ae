package evtests

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/core/evstore"
)

// ProviderFactory returns a provider with empty state. Every call must be
// isolated from the providers returned by earlier calls.
type ProviderFactory func(t *testing.T) evstore.PersistenceProvider

func RunProviderSuite(t *testing.T, newProvider ProviderFactory) {
	t.Helper()

	t.Run("empty state", func(t *testing.T) {
		p := newProvider(t)
		ctx := t.Context()

		aggs, err := p.GetAggregations(ctx, evstore.Page{})
		require.NoError(t, err)
		require.Empty(t, aggs)

		streams, err := p.GetStreams(ctx, "unknown", evstore.Page{})
		require.NoError(t, err)
		require.Empty(t, streams)

		events, err := p.GetEvents(ctx, evstore.NewStream("unknown", "1"), evstore.Page{})
		require.NoError(t, err)
		require.Empty(t, events)
	})

	t.Run("sequences are contiguous from zero", func(t *testing.T) {
		p := newProvider(t)
		stream := evstore.NewStream("orders", "o-1")

		var lastTS int64
		for i := range 5 {
			ev, err := p.AddEvent(t.Context(), stream, payloadN(i))
			require.NoError(t, err)
			require.Equal(t, uint64(i), ev.Sequence)
			require.Positive(t, ev.CommitTimestamp)
			require.GreaterOrEqual(t, ev.CommitTimestamp, lastTS)
			require.JSONEq(t, string(payloadN(i)), string(ev.Payload))
			lastTS = ev.CommitTimestamp
		}
	})

	t.Run("streams are sequenced independently", func(t *testing.T) {
		p := newProvider(t)
		ctx := t.Context()
		a := evstore.NewStream("orders", "a")
		b := evstore.NewStream("orders", "b")
		c := evstore.NewStream("audit", "a")

		for _, s := range []evstore.Stream{a, b, a, c, b, a} {
			_, err := p.AddEvent(ctx, s, payloadN(0))
			require.NoError(t, err)
		}

		for s, n := range map[evstore.Stream]int{a: 3, b: 2, c: 1} {
			events, err := p.GetEvents(ctx, s, evstore.Page{})
			require.NoError(t, err)
			require.Len(t, events, n, s.Key())
			for i, ev := range events {
				require.Equal(t, uint64(i), ev.Sequence)
			}
		}
	})

	t.Run("reads in sequence order", func(t *testing.T) {
		p := newProvider(t)
		ctx := t.Context()
		stream := evstore.NewStream("orders", "o-1")

		// enough events that lexical and numeric order differ
		const n = 12
		for i := range n {
			_, err := p.AddEvent(ctx, stream, payloadN(i))
			require.NoError(t, err)
		}

		events, err := p.GetEvents(ctx, stream, evstore.Page{})
		require.NoError(t, err)
		require.Len(t, events, n)
		for i, ev := range events {
			require.Equal(t, uint64(i), ev.Sequence)
			require.JSONEq(t, string(payloadN(i)), string(ev.Payload))
		}
	})

	t.Run("pagination", func(t *testing.T) {
		p := newProvider(t)
		ctx := t.Context()
		stream := evstore.NewStream("orders", "o-1")

		const n = 7
		for i := range n {
			_, err := p.AddEvent(ctx, stream, payloadN(i))
			require.NoError(t, err)
		}

		for _, tc := range []struct {
			offset, limit uint64
			want          []uint64
		}{
			{0, 0, []uint64{0, 1, 2, 3, 4, 5, 6}},
			{0, 3, []uint64{0, 1, 2}},
			{2, 3, []uint64{2, 3, 4}},
			{5, 10, []uint64{5, 6}},
			{4, 0, []uint64{4, 5, 6}},
			{7, 0, []uint64{}},
			{100, 5, []uint64{}},
			{1, math.MaxUint64, []uint64{1, 2, 3, 4, 5, 6}},
			{math.MaxUint64, 1, []uint64{}},
			{math.MaxUint64, math.MaxUint64, []uint64{}},
		} {
			t.Run(fmt.Sprintf("offset=%d,limit=%d", tc.offset, tc.limit), func(t *testing.T) {
				events, err := p.GetEvents(ctx, stream, evstore.Page{Offset: tc.offset, Limit: tc.limit})
				require.NoError(t, err)
				require.Equal(t, tc.want, sequences(events))
			})
		}
	})

	t.Run("discovery is distinct and sorted", func(t *testing.T) {
		p := newProvider(t)
		ctx := t.Context()

		for _, s := range []evstore.Stream{
			evstore.NewStream("orders", "2"),
			evstore.NewStream("orders", "1"),
			evstore.NewStream("audit", "1"),
			evstore.NewStream("orders", "2"),
			evstore.NewStream("orders", "1"),
			evstore.NewStream("billing", "x"),
		} {
			_, err := p.AddEvent(ctx, s, payloadN(0))
			require.NoError(t, err)
		}

		aggs, err := p.GetAggregations(ctx, evstore.Page{})
		require.NoError(t, err)
		require.Equal(t, []string{"audit", "billing", "orders"}, aggs)

		aggs, err = p.GetAggregations(ctx, evstore.Page{Offset: 1, Limit: 1})
		require.NoError(t, err)
		require.Equal(t, []string{"billing"}, aggs)

		streams, err := p.GetStreams(ctx, "orders", evstore.Page{})
		require.NoError(t, err)
		require.Equal(t, []string{"1", "2"}, streams)

		streams, err = p.GetStreams(ctx, "orders", evstore.Page{Offset: 1})
		require.NoError(t, err)
		require.Equal(t, []string{"2"}, streams)

		streams, err = p.GetStreams(ctx, "audit", evstore.Page{Limit: 5})
		require.NoError(t, err)
		require.Equal(t, []string{"1"}, streams)
	})

	t.Run("separators in names do not merge streams", func(t *testing.T) {
		p := newProvider(t)
		ctx := t.Context()
		left := evstore.NewStream("a:b", "c")
		right := evstore.NewStream("a", "b:c")

		for _, s := range []evstore.Stream{left, right, left} {
			_, err := p.AddEvent(ctx, s, payloadN(0))
			require.NoError(t, err)
		}
		ev, err := p.AddEvent(ctx, right, payloadN(1))
		require.NoError(t, err)
		require.Equal(t, uint64(1), ev.Sequence)

		events, err := p.GetEvents(ctx, left, evstore.Page{})
		require.NoError(t, err)
		require.Equal(t, []uint64{0, 1}, sequences(events))

		aggs, err := p.GetAggregations(ctx, evstore.Page{})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "a:b"}, aggs)

		streams, err := p.GetStreams(ctx, "a", evstore.Page{})
		require.NoError(t, err)
		require.Equal(t, []string{"b:c"}, streams)

		streams, err = p.GetStreams(ctx, "a:b", evstore.Page{})
		require.NoError(t, err)
		require.Equal(t, []string{"c"}, streams)
	})

	t.Run("payloads round trip", func(t *testing.T) {
		p := newProvider(t)
		ctx := t.Context()
		stream := evstore.NewStream("payloads", "1")

		payloads := []string{
			`{"item":"book","qty":2,"tags":["a","b"],"meta":{"gift":true}}`,
			`"A"`,
			`42`,
			`[1,2,3]`,
			`{"text":"ünïcode ✓ \"quoted\""}`,
			`null`,
		}
		for _, pl := range payloads {
			_, err := p.AddEvent(ctx, stream, json.RawMessage(pl))
			require.NoError(t, err)
		}

		events, err := p.GetEvents(ctx, stream, evstore.Page{})
		require.NoError(t, err)
		require.Len(t, events, len(payloads))
		for i, ev := range events {
			require.JSONEq(t, payloads[i], string(ev.Payload))
		}
	})

	t.Run("returned events are copies", func(t *testing.T) {
		p := newProvider(t)
		ctx := t.Context()
		stream := evstore.NewStream("orders", "1")

		payload := json.RawMessage(`{"v":1}`)
		ev, err := p.AddEvent(ctx, stream, payload)
		require.NoError(t, err)
		payload[5] = '9'
		ev.Payload[5] = '8'

		events, err := p.GetEvents(ctx, stream, evstore.Page{})
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.JSONEq(t, `{"v":1}`, string(events[0].Payload))
	})

	t.Run("concurrent appends to one stream", func(t *testing.T) {
		p := newProvider(t)
		ctx := t.Context()
		stream := evstore.NewStream("orders", "hot")

		const (
			writers   = 8
			perWriter = 5
		)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = map[uint64]bool{}
		)
		for w := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range perWriter {
					ev, err := p.AddEvent(ctx, stream, payloadN(w*perWriter+i))
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					assert.False(t, seen[ev.Sequence], "sequence %d assigned twice", ev.Sequence)
					seen[ev.Sequence] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		events, err := p.GetEvents(ctx, stream, evstore.Page{})
		require.NoError(t, err)
		require.Len(t, events, writers*perWriter)
		for i, ev := range events {
			require.Equal(t, uint64(i), ev.Sequence)
		}
	})
}

func payloadN(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
}

func sequences(events []evstore.Event) []uint64 {
	out := make([]uint64, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Sequence)
	}
	return out
}
