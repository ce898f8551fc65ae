package evstore

import "context"

// Publisher is the notification contract. Publish reports whether at least
// one subscriber was reachable; having no subscribers is not an error.
// Errors are reserved for transport failures.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (bool, error)
}

// Subscriber receives messages of the aggregation it was registered for.
type Subscriber func(Message)

// Subscribable is implemented by publishers that accept subscriptions.
type Subscribable interface {
	Subscribe(ctx context.Context, aggregation string, subscriber Subscriber) (Subscription, error)
}

// Subscription is one registration of a Subscriber. Remove deregisters it;
// calling Remove again is a no-op.
type Subscription interface {
	Remove(ctx context.Context) error
}

type SubscribablePublisher interface {
	Publisher
	Subscribable
}
