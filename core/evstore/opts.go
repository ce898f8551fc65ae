package evstore

import (
	"log/slog"
	"time"
)

// PublishFailurePolicy decides what AddEvent reports when the event was
// persisted but publishing it failed.
type PublishFailurePolicy int

const (
	// PublishFailurePropagate returns the committed event together with a
	// *PublishError.
	PublishFailurePropagate PublishFailurePolicy = iota
	// PublishFailureLog logs the failure and returns the event without error.
	PublishFailureLog
)

func (p PublishFailurePolicy) String() string {
	switch p {
	case PublishFailurePropagate:
		return "propagate"
	case PublishFailureLog:
		return "log"
	default:
		return "unknown"
	}
}

type (
	valueOption[T any]         struct{ v T }
	ProviderOption             valueOption[PersistenceProvider]
	PublisherOption            valueOption[Publisher]
	MetricsOption              valueOption[Metrics]
	PublishFailurePolicyOption valueOption[PublishFailurePolicy]
	ClockOption                valueOption[func() time.Time]
	MemoryOption               struct{}
	LogOption                  struct {
		l *slog.Logger
	}

	// Option configures an EventStore.
	Option interface {
		applyToStore(*storeOptions)
	}
	// MemoryProviderOption configures an InMemoryProvider.
	MemoryProviderOption interface {
		applyToMemoryProvider(*InMemoryProvider)
	}
	// MemoryPublisherOption configures an InMemoryPublisher.
	MemoryPublisherOption interface {
		applyToMemoryPublisher(*memoryPublisherOptions)
	}
)

func WithProvider(p PersistenceProvider) ProviderOption { return ProviderOption{v: p} }
func WithPublisher(p Publisher) PublisherOption         { return PublisherOption{v: p} }
func WithMetrics(m Metrics) MetricsOption               { return MetricsOption{v: m} }
func WithLog(l *slog.Logger) LogOption                  { return LogOption{l: l} }

// WithInMemory configures an InMemoryProvider and an InMemoryPublisher.
func WithInMemory() MemoryOption { return MemoryOption{} }

func WithPublishFailurePolicy(p PublishFailurePolicy) PublishFailurePolicyOption {
	return PublishFailurePolicyOption{v: p}
}

// WithClock replaces the commit clock of the in-memory provider.
func WithClock(now func() time.Time) ClockOption { return ClockOption{v: now} }

type storeOptions struct {
	provider      PersistenceProvider
	publisher     Publisher
	log           *slog.Logger
	metrics       Metrics
	publishPolicy PublishFailurePolicy
	memory        bool
	clock         func() time.Time
}

func (o ProviderOption) applyToStore(s *storeOptions)  { s.provider = o.v }
func (o PublisherOption) applyToStore(s *storeOptions) { s.publisher = o.v }
func (o MetricsOption) applyToStore(s *storeOptions)   { s.metrics = o.v }
func (o LogOption) applyToStore(s *storeOptions)       { s.log = o.l }
func (o MemoryOption) applyToStore(s *storeOptions)    { s.memory = true }
func (o ClockOption) applyToStore(s *storeOptions)     { s.clock = o.v }
func (o PublishFailurePolicyOption) applyToStore(s *storeOptions) {
	s.publishPolicy = o.v
}

func (o LogOption) applyToMemoryProvider(p *InMemoryProvider) {
	if o.l != nil {
		p.log = o.l.With(slog.String("provider", "memory"))
	}
}
func (o ClockOption) applyToMemoryProvider(p *InMemoryProvider) {
	if o.v != nil {
		p.now = o.v
	}
}

func (o LogOption) applyToMemoryPublisher(p *memoryPublisherOptions) { p.log = o.l }
