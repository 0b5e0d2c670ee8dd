// Package telemetry provides observability primitives for the tokentap proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the interception pipeline.
type Metrics struct {
	FlowsIntercepted *prometheus.CounterVec
	FlowsDropped     *prometheus.CounterVec
	EventsRecorded   *prometheus.CounterVec
	StoreFailures    prometheus.Counter
	FlowDuration     *prometheus.HistogramVec
	ActiveFlows      prometheus.Gauge
	TokensObserved   *prometheus.CounterVec
	APIRequests      *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FlowsIntercepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokentap",
			Name:      "flows_intercepted_total",
			Help:      "Total intercepted flows by provider.",
		}, []string{"provider"}),

		FlowsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokentap",
			Name:      "flows_dropped_total",
			Help:      "Total flows dropped without an event.",
		}, []string{"reason"}),

		EventsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokentap",
			Name:      "events_recorded_total",
			Help:      "Total events persisted to the store.",
		}, []string{"provider", "client_type"}),

		StoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tokentap",
			Name:      "store_failures_total",
			Help:      "Total event store insert failures.",
		}),

		FlowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "tokentap",
			Name:                            "flow_duration_seconds",
			Help:                            "Upstream flow duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider"}),

		ActiveFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tokentap",
			Name:      "active_flows",
			Help:      "Number of flows currently being tracked.",
		}),

		TokensObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokentap",
			Name:      "tokens_observed_total",
			Help:      "Total tokens observed in responses.",
		}, []string{"provider", "type"}),

		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokentap",
			Name:      "api_requests_total",
			Help:      "Total dashboard API requests.",
		}, []string{"method", "path", "status"}),
	}

	reg.MustRegister(
		m.FlowsIntercepted,
		m.FlowsDropped,
		m.EventsRecorded,
		m.StoreFailures,
		m.FlowDuration,
		m.ActiveFlows,
		m.TokensObserved,
		m.APIRequests,
	)

	return m
}
