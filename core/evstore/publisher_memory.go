package evstore

import (
	"context"
	"log/slog"
)

// InMemoryPublisher delivers messages synchronously to subscribers in the
// same process. Publish returns once every subscriber has run.
type InMemoryPublisher struct {
	listeners *Listeners
}

var _ SubscribablePublisher = (*InMemoryPublisher)(nil)

type memoryPublisherOptions struct {
	log *slog.Logger
}

func NewInMemoryPublisher(opts ...MemoryPublisherOption) *InMemoryPublisher {
	options := &memoryPublisherOptions{}
	for _, opt := range opts {
		opt.applyToMemoryPublisher(options)
	}
	log := options.log
	if log == nil {
		log = slog.Default()
	}
	return &InMemoryPublisher{
		listeners: NewListeners(ListenersConfig{
			Log: log.With(slog.String("publisher", "memory")),
		}),
	}
}

// Publish reports true iff at least one subscriber received msg.
func (p *InMemoryPublisher) Publish(ctx context.Context, msg Message) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.listeners.Notify(msg) > 0, nil
}

func (p *InMemoryPublisher) Subscribe(ctx context.Context, aggregation string, subscriber Subscriber) (Subscription, error) {
	return p.listeners.Add(ctx, aggregation, subscriber)
}

func (p *InMemoryPublisher) Close() error {
	return p.listeners.Close(context.Background())
}
