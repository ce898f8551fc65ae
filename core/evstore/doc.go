// Package evstore is a small event store abstraction: immutable events are
// appended to ordered streams, streams are grouped under aggregations, and
// subscribers of an aggregation are notified after each append.
//
// # Components
//
// [EventStore] is the entry point. It holds one [PersistenceProvider] and at
// most one [Publisher]:
//
//	store := evstore.NewEventStore(
//	    evstore.WithProvider(provider),
//	    evstore.WithPublisher(publisher),
//	)
//
//	stream := store.GetEventStream("orders", "o-1")
//	ev, err := stream.AddEvent(ctx, OrderPlaced{Item: "book"})
//
// [EventStream.AddEvent] persists first and publishes only once the provider
// has committed the event. The provider assigns the sequence (0, 1, 2, ...
// per stream) and the commit timestamp.
//
// Discovery is available through [EventStore.GetAggregations] and
// [EventStore.GetStreams]; both return sorted, distinct names and accept
// [WithOffset] and [WithLimit].
//
// # Subscriptions
//
//	sub, err := store.Subscribe(ctx, "orders", func(msg evstore.Message) {
//	    log.Println(msg.Stream, msg.Event.Sequence)
//	})
//	defer sub.Remove(ctx)
//
// Notification is best effort. Publishers built on a broker deliver
// asynchronously, in broker order per aggregation. [Listeners] implements
// the per aggregation watch state those publishers share.
//
// # Errors
//
// Missing collaborators fail with [ErrConfiguration]. Provider failures are
// [*PersistenceError] values; a failed publish after a successful persist is
// returned as [*PublishError] together with the committed event, unless
// [PublishFailureLog] is configured.
//
// # Backends
//
// [NewInMemoryProvider] and [NewInMemoryPublisher] are reference
// implementations (see [WithInMemory]). Durable backends live under
// adapters/, and every backend runs the suites in package evtests.
package evstore
