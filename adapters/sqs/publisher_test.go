package sqs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/core/evstore/evtests"
)

func TestSQS_Publisher(t *testing.T) {
	client := NewTestContainer(t)

	evtests.RunPublisherSuite(t, func(t *testing.T) evstore.SubscribablePublisher {
		return NewTestPublisher(t, client)
	}, evtests.PublisherSuiteOpts{
		Timeout: 10 * time.Second,
		Quiet:   2 * time.Second,
	})

	t.Run("message attributes", func(t *testing.T) {
		p := NewTestPublisher(t, client)
		ctx := t.Context()

		msg := evstore.Message{
			Stream: evstore.NewStream("orders", "o-1"),
			Event:  evstore.Event{Payload: json.RawMessage(`{}`), CommitTimestamp: 1700000000000, Sequence: 4},
		}
		_, err := p.Publish(ctx, msg)
		require.NoError(t, err)

		out, err := client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
			QueueUrl:              aws.String(p.queueURL),
			WaitTimeSeconds:       5,
			MessageAttributeNames: []string{"All"},
		})
		require.NoError(t, err)
		require.Len(t, out.Messages, 1)

		attrs := out.Messages[0].MessageAttributes
		require.Equal(t, "orders", aws.ToString(attrs[attrAggregation].StringValue))
		require.Equal(t, "o-1", aws.ToString(attrs[attrID].StringValue))
		require.Equal(t, "1700000000000", aws.ToString(attrs[attrCommitTimestamp].StringValue))
	})

	t.Run("fifo drops duplicates", func(t *testing.T) {
		p := NewTestPublisher(t, client)
		ctx := t.Context()

		fn, ch := evtests.Collect(t)
		_, err := p.Subscribe(ctx, "orders", fn)
		require.NoError(t, err)

		msg := evstore.Message{
			Stream: evstore.NewStream("orders", "o-1"),
			Event:  evstore.Event{Payload: json.RawMessage(`{}`), CommitTimestamp: time.Now().UnixMilli()},
		}
		for range 2 {
			_, err := p.Publish(ctx, msg)
			require.NoError(t, err)
		}

		evtests.Receive(t, ch, 10*time.Second)
		evtests.NoReceive(t, ch, 2*time.Second)
	})

	t.Run("messages older than the watch are dropped", func(t *testing.T) {
		p := NewTestPublisher(t, client)
		ctx := t.Context()

		stale := evstore.Message{
			Stream: evstore.NewStream("orders", "o-1"),
			Event:  evstore.Event{Payload: json.RawMessage(`{}`), CommitTimestamp: time.Now().Add(-time.Minute).UnixMilli()},
		}
		_, err := p.Publish(ctx, stale)
		require.NoError(t, err)

		fn, ch := evtests.Collect(t)
		_, err = p.Subscribe(ctx, "orders", fn)
		require.NoError(t, err)
		evtests.NoReceive(t, ch, 3*time.Second)
	})

	t.Run("needs a queue", func(t *testing.T) {
		_, err := NewPublisher(t.Context(), PublisherConfig{Client: client})
		require.ErrorIs(t, err, evstore.ErrConfiguration)
	})
}

func TestDeduplicationID(t *testing.T) {
	msg := evstore.Message{Stream: evstore.NewStream("orders", "o-1"), Event: evstore.Event{Sequence: 7}}
	require.Equal(t, "orders:o-1:7", DeduplicationID(msg))
}
