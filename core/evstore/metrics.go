package evstore

import "github.com/codewandler/evstore-go/core/metrics"

// Metrics is the instrumentation interface of the store. Implementations
// must be safe for concurrent use.
type Metrics interface {
	// Writes
	AddEventDuration(aggregation string) metrics.Timer
	EventAdded(aggregation string)

	// Reads and discovery, op is one of the Op* constants.
	ReadDuration(op string) metrics.Timer
	PersistenceFailed(op string)

	// Notification
	Published(aggregation string, delivered bool)
	PublishFailed(aggregation string)
	SubscriptionAdded(aggregation string)
	SubscriptionRemoved(aggregation string)
}

type nopMetrics struct{}

func (nopMetrics) AddEventDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) EventAdded(string)                     {}
func (nopMetrics) ReadDuration(string) metrics.Timer     { return metrics.NopTimer() }
func (nopMetrics) PersistenceFailed(string)              {}
func (nopMetrics) Published(string, bool)                {}
func (nopMetrics) PublishFailed(string)                  {}
func (nopMetrics) SubscriptionAdded(string)              {}
func (nopMetrics) SubscriptionRemoved(string)            {}

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
