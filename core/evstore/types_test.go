package evstore_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/core/evstore"
)

func TestPaginate(t *testing.T) {
	items := []int{0, 1, 2, 3, 4}

	tests := []struct {
		page evstore.Page
		want []int
	}{
		{evstore.Page{}, []int{0, 1, 2, 3, 4}},
		{evstore.Page{Limit: 2}, []int{0, 1}},
		{evstore.Page{Offset: 3}, []int{3, 4}},
		{evstore.Page{Offset: 1, Limit: 3}, []int{1, 2, 3}},
		{evstore.Page{Offset: 4, Limit: 10}, []int{4}},
		{evstore.Page{Offset: 5}, []int{}},
		{evstore.Page{Offset: 9, Limit: 1}, []int{}},
		{evstore.Page{Offset: 1, Limit: math.MaxUint64}, []int{1, 2, 3, 4}},
		{evstore.Page{Offset: math.MaxUint64, Limit: math.MaxUint64}, []int{}},
		{evstore.Page{Limit: math.MaxUint64}, []int{0, 1, 2, 3, 4}},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("offset=%d,limit=%d", tc.page.Offset, tc.page.Limit), func(t *testing.T) {
			got := evstore.Paginate(items, tc.page)
			require.Equal(t, tc.want, got)
		})
	}

	got := evstore.Paginate(items, evstore.Page{})
	got[0] = 99
	require.Equal(t, 0, items[0])
}

func TestNewPage(t *testing.T) {
	require.Equal(t, evstore.Page{}, evstore.NewPage())
	require.Equal(t,
		evstore.Page{Offset: 2, Limit: 5},
		evstore.NewPage(evstore.WithOffset(2), evstore.WithLimit(5)),
	)
}

func TestEncodePayload(t *testing.T) {
	type placed struct {
		Item string `json:"item"`
		Qty  int    `json:"qty"`
	}

	for _, tc := range []struct {
		name string
		in   any
		want string
	}{
		{"string", "A", `"A"`},
		{"struct", placed{Item: "book", Qty: 2}, `{"item":"book","qty":2}`},
		{"map", map[string]any{"a": 1}, `{"a":1}`},
		{"raw", json.RawMessage(`{"x":[1,2]}`), `{"x":[1,2]}`},
		{"bytes", []byte(`[true]`), `[true]`},
		{"nil", nil, `null`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evstore.EncodePayload(tc.in)
			require.NoError(t, err)
			require.JSONEq(t, tc.want, string(got))
		})
	}

	_, err := evstore.EncodePayload(json.RawMessage(`{"x":`))
	require.ErrorIs(t, err, evstore.ErrInvalidPayload)

	_, err = evstore.EncodePayload(make(chan int))
	require.ErrorIs(t, err, evstore.ErrInvalidPayload)
}

func TestEvent_Decode(t *testing.T) {
	ev := evstore.Event{Payload: json.RawMessage(`{"item":"book"}`), CommitTimestamp: 1700000000000}

	var v struct {
		Item string `json:"item"`
	}
	require.NoError(t, ev.Decode(&v))
	require.Equal(t, "book", v.Item)
	require.Equal(t, int64(1700000000000), ev.CommittedAt().UnixMilli())
}

func TestMessage_Wire(t *testing.T) {
	msg := evstore.Message{
		Stream: evstore.NewStream("orders", "1"),
		Event: evstore.Event{
			Payload:         json.RawMessage(`{"item":"book"}`),
			CommitTimestamp: 1700000000000,
			Sequence:        3,
		},
	}

	data, err := msg.Encode()
	require.NoError(t, err)
	require.JSONEq(t, `{
		"stream": {"aggregation": "orders", "id": "1"},
		"event": {"payload": {"item": "book"}, "commitTimestamp": 1700000000000, "sequence": 3}
	}`, string(data))

	back, err := evstore.DecodeMessage(data)
	require.NoError(t, err)
	require.Equal(t, msg.Stream, back.Stream)
	require.Equal(t, msg.Event.Sequence, back.Event.Sequence)
	require.JSONEq(t, string(msg.Event.Payload), string(back.Event.Payload))
}

func TestStream_Key(t *testing.T) {
	require.Equal(t, "6:orders:1", evstore.NewStream("orders", "1").Key())
	require.NotEqual(t,
		evstore.NewStream("a:b", "c").Key(),
		evstore.NewStream("a", "b:c").Key(),
	)
	require.Equal(t, "a:b:c", evstore.NewStream("a:b", "c").String())
}

func TestStream_Validate(t *testing.T) {
	require.NoError(t, evstore.NewStream("orders", "1").Validate())
	require.ErrorIs(t, evstore.NewStream("", "1").Validate(), evstore.ErrInvalidStream)
	require.ErrorIs(t, evstore.NewStream("orders", "").Validate(), evstore.ErrInvalidStream)
}

func TestPersistenceError(t *testing.T) {
	cause := errors.New("connection reset")
	stream := evstore.NewStream("orders", "1")

	err := evstore.NewPersistenceError(evstore.OpAddEvent, stream, cause)
	require.ErrorIs(t, err, evstore.ErrPersistence)
	require.ErrorIs(t, err, cause)
	require.EqualError(t, err, "persistence failed: add_event orders:1: connection reset")

	// wrapping twice keeps the original
	again := evstore.NewPersistenceError(evstore.OpGetEvents, stream, fmt.Errorf("retry: %w", err))
	var pe *evstore.PersistenceError
	require.ErrorAs(t, again, &pe)
	require.Equal(t, evstore.OpAddEvent, pe.Op)

	require.NoError(t, evstore.NewPersistenceError(evstore.OpAddEvent, stream, nil))

	err = evstore.NewPersistenceError(evstore.OpGetAggregations, evstore.Stream{}, cause)
	require.EqualError(t, err, "persistence failed: get_aggregations: connection reset")
}
