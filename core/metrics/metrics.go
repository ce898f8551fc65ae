// Package metrics holds the instrument types the event store records
// through. Backends such as adapters/prometheus implement them.
package metrics

// Timer is started when an operation begins and observed when it ends:
//
//	defer m.AddEventDuration("orders").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopTimer returns a Timer that records nothing.
func NopTimer() Timer { return nopTimer{} }
