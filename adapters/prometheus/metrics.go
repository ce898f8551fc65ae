// Package prometheus implements evstore.Metrics on top of client_golang.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/core/metrics"
)

const namespace = "evstore"

// Latency buckets in seconds.
var latencyBuckets = []float64{
	.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5,
}

type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// storeMetrics implements evstore.Metrics using Prometheus.
type storeMetrics struct {
	// Writes
	addEventDuration *prometheus.HistogramVec
	eventsAdded      *prometheus.CounterVec

	// Reads
	readDuration       *prometheus.HistogramVec
	persistenceFailure *prometheus.CounterVec

	// Notification
	published     *prometheus.CounterVec
	publishFailed *prometheus.CounterVec
	subscriptions *prometheus.GaugeVec
}

// NewMetrics creates the store metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) evstore.Metrics {
	m := &storeMetrics{
		addEventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "add_event_duration_seconds",
			Help:      "Latency of persisting one event in seconds",
			Buckets:   latencyBuckets,
		}, []string{"aggregation"}),

		eventsAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_added_total",
			Help:      "Total number of committed events",
		}, []string{"aggregation"}),

		readDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "read_duration_seconds",
			Help:      "Latency of reads and discovery queries in seconds",
			Buckets:   latencyBuckets,
		}, []string{"op"}),

		persistenceFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Total number of failed provider operations",
		}, []string{"op"}),

		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Total number of published messages",
		}, []string{"aggregation", "delivered"}),

		publishFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Total number of messages that could not be published",
		}, []string{"aggregation"}),

		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Active subscriptions",
		}, []string{"aggregation"}),
	}

	reg.MustRegister(
		m.addEventDuration,
		m.eventsAdded,
		m.readDuration,
		m.persistenceFailure,
		m.published,
		m.publishFailed,
		m.subscriptions,
	)

	return m
}

func (m *storeMetrics) AddEventDuration(aggregation string) metrics.Timer {
	return newTimer(m.addEventDuration.WithLabelValues(aggregation))
}

func (m *storeMetrics) EventAdded(aggregation string) {
	m.eventsAdded.WithLabelValues(aggregation).Inc()
}

func (m *storeMetrics) ReadDuration(op string) metrics.Timer {
	return newTimer(m.readDuration.WithLabelValues(op))
}

func (m *storeMetrics) PersistenceFailed(op string) {
	m.persistenceFailure.WithLabelValues(op).Inc()
}

func (m *storeMetrics) Published(aggregation string, delivered bool) {
	m.published.WithLabelValues(aggregation, strconv.FormatBool(delivered)).Inc()
}

func (m *storeMetrics) PublishFailed(aggregation string) {
	m.publishFailed.WithLabelValues(aggregation).Inc()
}

func (m *storeMetrics) SubscriptionAdded(aggregation string) {
	m.subscriptions.WithLabelValues(aggregation).Inc()
}

func (m *storeMetrics) SubscriptionRemoved(aggregation string) {
	m.subscriptions.WithLabelValues(aggregation).Dec()
}

var _ evstore.Metrics = (*storeMetrics)(nil)
