// Package sqs implements evstore.SubscribablePublisher on an Amazon SQS
// queue.
//
// Every publisher process should own its queue: SQS hands each message to
// one receiver, so processes sharing a queue split the notifications
// between them. FIFO queues (names ending in ".fifo") keep the order of
// each aggregation and drop duplicates by aggregation:id:sequence.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/internal/awsconf"
)

const (
	attrAggregation     = "aggregation"
	attrID              = "id"
	attrCommitTimestamp = "commitTimestamp"

	defaultWaitTime = 20 * time.Second
	maxBatch        = 10
)

type PublisherConfig struct {
	// Client to use. If nil, one is built from AWS.
	Client *awssqs.Client
	AWS    awsconf.Config
	Log    *slog.Logger
	// QueueURL of the queue. If empty, QueueName is resolved.
	QueueURL  string
	QueueName string
	// CreateQueue creates QueueName if it does not exist.
	CreateQueue bool
	// WaitTime of a long poll (default 20s, at most 20s).
	WaitTime time.Duration
	// BufferSize of the per aggregation delivery queue.
	BufferSize int
}

type Publisher struct {
	client    *awssqs.Client
	log       *slog.Logger
	queueURL  string
	fifo      bool
	waitTime  time.Duration
	listeners *evstore.Listeners

	mu sync.Mutex
	// watchedSince holds the unix ms at which each aggregation was
	// watched. Older messages still sitting in the queue are dropped.
	watchedSince map[string]int64

	startOnce sync.Once
	cancel    context.CancelFunc
	loopCtx   context.Context
	wg        sync.WaitGroup

	closed atomic.Bool
	now    func() time.Time
}

var _ evstore.SubscribablePublisher = (*Publisher)(nil)

func NewPublisher(ctx context.Context, cfg PublisherConfig) (*Publisher, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	waitTime := cfg.WaitTime
	if waitTime <= 0 || waitTime > defaultWaitTime {
		waitTime = defaultWaitTime
	}

	client := cfg.Client
	if client == nil {
		awsCfg, err := awsconf.Load(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		client = awssqs.NewFromConfig(awsCfg)
	}

	queueURL, err := resolveQueue(ctx, client, cfg)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		client:       client,
		log:          log.With(slog.String("publisher", "sqs"), slog.String("queue", queueURL)),
		queueURL:     queueURL,
		fifo:         strings.HasSuffix(queueURL, ".fifo"),
		waitTime:     waitTime,
		watchedSince: make(map[string]int64),
		loopCtx:      loopCtx,
		cancel:       cancel,
		now:          time.Now,
	}
	p.listeners = evstore.NewListeners(evstore.ListenersConfig{
		Log:        p.log,
		OnWatch:    p.watch,
		OnUnwatch:  p.unwatch,
		Async:      true,
		BufferSize: cfg.BufferSize,
	})
	return p, nil
}

func resolveQueue(ctx context.Context, client *awssqs.Client, cfg PublisherConfig) (string, error) {
	if cfg.QueueURL != "" {
		return cfg.QueueURL, nil
	}
	if cfg.QueueName == "" {
		return "", fmt.Errorf("%w: sqs publisher needs a queue url or name", evstore.ErrConfiguration)
	}

	if cfg.CreateQueue {
		input := &awssqs.CreateQueueInput{QueueName: aws.String(cfg.QueueName)}
		if strings.HasSuffix(cfg.QueueName, ".fifo") {
			input.Attributes = map[string]string{
				string(types.QueueAttributeNameFifoQueue): "true",
			}
		}
		out, err := client.CreateQueue(ctx, input)
		if err != nil {
			return "", fmt.Errorf("sqs: create queue %s: %w", cfg.QueueName, err)
		}
		return aws.ToString(out.QueueUrl), nil
	}

	out, err := client.GetQueueUrl(ctx, &awssqs.GetQueueUrlInput{QueueName: aws.String(cfg.QueueName)})
	if err != nil {
		return "", fmt.Errorf("sqs: resolve queue %s: %w", cfg.QueueName, err)
	}
	return aws.ToString(out.QueueUrl), nil
}

// Publish sends msg to the queue. It reports true once SQS accepted the
// message; whether a subscriber receives it is decided by the receiver.
func (p *Publisher) Publish(ctx context.Context, msg evstore.Message) (bool, error) {
	if p.closed.Load() {
		return false, evstore.ErrClosed
	}

	body, err := msg.Encode()
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}

	input := &awssqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			attrAggregation: {DataType: aws.String("String"), StringValue: aws.String(msg.Stream.Aggregation)},
			attrID:          {DataType: aws.String("String"), StringValue: aws.String(msg.Stream.ID)},
			attrCommitTimestamp: {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatInt(msg.Event.CommitTimestamp, 10)),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(msg.Stream.Aggregation)
		input.MessageDeduplicationId = aws.String(DeduplicationID(msg))
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return false, fmt.Errorf("sqs: send: %w", err)
	}
	return true, nil
}

// DeduplicationID identifies msg for FIFO deduplication.
func DeduplicationID(msg evstore.Message) string {
	return msg.Stream.Aggregation + ":" + msg.Stream.ID + ":" + strconv.FormatUint(msg.Event.Sequence, 10)
}

func (p *Publisher) Subscribe(ctx context.Context, aggregation string, subscriber evstore.Subscriber) (evstore.Subscription, error) {
	if p.closed.Load() {
		return nil, evstore.ErrClosed
	}
	return p.listeners.Add(ctx, aggregation, subscriber)
}

func (p *Publisher) watch(_ context.Context, aggregation string) error {
	p.mu.Lock()
	p.watchedSince[aggregation] = p.now().UnixMilli()
	p.mu.Unlock()

	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.receiveLoop()
	})
	p.log.Debug("watching", slog.String("aggregation", aggregation))
	return nil
}

func (p *Publisher) unwatch(_ context.Context, aggregation string) error {
	p.mu.Lock()
	delete(p.watchedSince, aggregation)
	p.mu.Unlock()
	p.log.Debug("unwatching", slog.String("aggregation", aggregation))
	return nil
}

func (p *Publisher) receiveLoop() {
	defer p.wg.Done()
	ctx := p.loopCtx

	for ctx.Err() == nil {
		out, err := p.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
			QueueUrl:              aws.String(p.queueURL),
			MaxNumberOfMessages:   maxBatch,
			WaitTimeSeconds:       int32(p.waitTime / time.Second),
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			p.log.Error("failed to receive messages", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(out.Messages) == 0 {
			continue
		}

		entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(out.Messages))
		for i, m := range out.Messages {
			p.dispatch(m)
			entries = append(entries, types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: m.ReceiptHandle,
			})
		}

		// delivery is at most once: messages are removed whether or not
		// a subscriber took them
		if _, err := p.client.DeleteMessageBatch(ctx, &awssqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  entries,
		}); err != nil && ctx.Err() == nil {
			p.log.Error("failed to delete messages", slog.Int("count", len(entries)), slog.Any("error", err))
		}
	}
}

func (p *Publisher) dispatch(m types.Message) {
	msg, err := evstore.DecodeMessage([]byte(aws.ToString(m.Body)))
	if err != nil {
		p.log.Error("failed to decode message", slog.String("message_id", aws.ToString(m.MessageId)), slog.Any("error", err))
		return
	}

	p.mu.Lock()
	since, watched := p.watchedSince[msg.Stream.Aggregation]
	p.mu.Unlock()

	if !watched || msg.Event.CommitTimestamp < since {
		return
	}
	p.listeners.Notify(msg)
}

func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.listeners.Close(context.Background())
	p.cancel()
	p.wg.Wait()
	return err
}
