package evstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// EventStore is the entry point of the package. It owns one persistence
// provider and at most one publisher, hands out EventStream handles and
// exposes discovery and subscriptions.
type EventStore struct {
	provider      PersistenceProvider
	publisher     Publisher
	log           *slog.Logger
	metrics       Metrics
	publishPolicy PublishFailurePolicy
	closeOnce     sync.Once
	closeErr      error
}

// NewEventStore creates a store. A missing provider is not an error here;
// operations needing it fail with ErrNoProvider.
func NewEventStore(opts ...Option) *EventStore {
	options := &storeOptions{}
	for _, opt := range opts {
		opt.applyToStore(options)
	}

	log := options.log
	if log == nil {
		log = slog.Default()
	}
	m := options.metrics
	if m == nil {
		m = NopMetrics()
	}

	if options.memory {
		if options.provider == nil {
			options.provider = NewInMemoryProvider(WithLog(log), WithClock(options.clock))
		}
		if options.publisher == nil {
			options.publisher = NewInMemoryPublisher(WithLog(log))
		}
	}

	return &EventStore{
		provider:      options.provider,
		publisher:     options.publisher,
		log:           log.With(slog.String("component", "evstore")),
		metrics:       m,
		publishPolicy: options.publishPolicy,
	}
}

// Provider returns the configured provider or ErrNoProvider.
func (s *EventStore) Provider() (PersistenceProvider, error) {
	if s.provider == nil {
		return nil, ErrNoProvider
	}
	return s.provider, nil
}

// Publisher returns the configured publisher, which may be nil.
func (s *EventStore) Publisher() Publisher { return s.publisher }

// GetEventStream returns a handle for the stream. It performs no I/O; the
// stream comes into existence with its first event.
func (s *EventStore) GetEventStream(aggregation, streamID string) *EventStream {
	return &EventStream{store: s, stream: NewStream(aggregation, streamID)}
}

func (s *EventStore) GetAggregations(ctx context.Context, opts ...PageOption) ([]string, error) {
	provider, err := s.Provider()
	if err != nil {
		return nil, err
	}

	defer s.metrics.ReadDuration(OpGetAggregations).ObserveDuration()

	out, err := provider.GetAggregations(ctx, NewPage(opts...))
	if err != nil {
		s.metrics.PersistenceFailed(OpGetAggregations)
		return nil, err
	}
	return out, nil
}

func (s *EventStore) GetStreams(ctx context.Context, aggregation string, opts ...PageOption) ([]string, error) {
	provider, err := s.Provider()
	if err != nil {
		return nil, err
	}

	defer s.metrics.ReadDuration(OpGetStreams).ObserveDuration()

	out, err := provider.GetStreams(ctx, aggregation, NewPage(opts...))
	if err != nil {
		s.metrics.PersistenceFailed(OpGetStreams)
		return nil, err
	}
	return out, nil
}

// Subscribe registers subscriber for every event appended to any stream of
// aggregation from now on.
func (s *EventStore) Subscribe(ctx context.Context, aggregation string, subscriber Subscriber) (Subscription, error) {
	if s.publisher == nil {
		return nil, ErrNoPublisher
	}
	sp, ok := s.publisher.(Subscribable)
	if !ok {
		return nil, ErrNotSubscribable
	}

	sub, err := sp.Subscribe(ctx, aggregation, subscriber)
	if err != nil {
		return nil, err
	}

	s.metrics.SubscriptionAdded(aggregation)
	s.log.Debug("subscribed", slog.String("aggregation", aggregation))

	return &storeSubscription{Subscription: sub, store: s, aggregation: aggregation}, nil
}

// Close closes the publisher and then the provider if they implement io.Closer.
func (s *EventStore) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if c, ok := s.publisher.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		if c, ok := s.provider.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *EventStore) publish(ctx context.Context, msg Message) error {
	aggregation := msg.Stream.Aggregation

	delivered, err := s.publisher.Publish(ctx, msg)
	if err == nil {
		s.metrics.Published(aggregation, delivered)
		return nil
	}

	s.metrics.PublishFailed(aggregation)

	var pubErr *PublishError
	if !errors.As(err, &pubErr) {
		pubErr = &PublishError{Message: msg, Err: err}
	}

	if s.publishPolicy == PublishFailureLog {
		s.log.Error(
			"publish failed",
			msg.Stream.SlogAttr(),
			slog.Uint64("sequence", msg.Event.Sequence),
			slog.Any("error", err),
		)
		return nil
	}
	return pubErr
}

type storeSubscription struct {
	Subscription
	store       *EventStore
	aggregation string
	once        sync.Once
}

func (s *storeSubscription) Remove(ctx context.Context) error {
	err := s.Subscription.Remove(ctx)
	s.once.Do(func() {
		s.store.metrics.SubscriptionRemoved(s.aggregation)
		s.store.log.Debug("unsubscribed", slog.String("aggregation", s.aggregation))
	})
	return err
}
