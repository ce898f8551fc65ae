package evtests

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/core/evstore"
)

// Collect returns a subscriber that forwards messages to the returned
// channel. The channel is buffered so synchronous publishers never block.
func Collect(t *testing.T) (evstore.Subscriber, <-chan evstore.Message) {
	t.Helper()
	ch := make(chan evstore.Message, 128)
	return func(msg evstore.Message) {
		select {
		case ch <- msg:
		default:
			t.Errorf("collector full, dropped %s sequence %d", msg.Stream, msg.Event.Sequence)
		}
	}, ch
}

// Receive waits for the next message on ch.
func Receive(t *testing.T, ch <-chan evstore.Message, timeout time.Duration) evstore.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		require.FailNow(t, "no message received", "waited %s", timeout)
		return evstore.Message{}
	}
}

// NoReceive fails if a message arrives on ch within quiet.
func NoReceive(t *testing.T, ch <-chan evstore.Message, quiet time.Duration) {
	t.Helper()
	select {
	case msg := <-ch:
		require.FailNow(t, "unexpected message", "%s sequence %d", msg.Stream, msg.Event.Sequence)
	case <-time.After(quiet):
	}
}
