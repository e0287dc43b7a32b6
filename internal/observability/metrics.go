package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rockguard"

// Metrics holds the Prometheus counters, histograms, and gauges for the telemetry service.
type Metrics struct {
	// Provider adapters.
	ProviderRequests *prometheus.CounterVec   // labels: provider, outcome={success,error,rejected}
	ProviderDuration *prometheus.HistogramVec // labels: provider
	ProviderCache    *prometheus.CounterVec   // labels: provider, result={hit,miss}
	BreakerState     *prometheus.GaugeVec     // labels: provider; 0 closed, 1 half-open, 2 open

	// Aggregation and distribution.
	Aggregations      *prometheus.CounterVec // labels: outcome={complete,partial,degraded}
	ActiveLocations   prometheus.Gauge
	Subscribers       prometheus.Gauge
	Pushes            prometheus.Counter
	SubscriberDropped prometheus.Counter

	// Alerts.
	AlertsAppended  *prometheus.CounterVec // labels: source, status
	AlertLogEvicted prometheus.Counter
	AlertLogSize    prometheus.Gauge

	// Personnel.
	WorkersTracked *prometheus.GaugeVec // labels: tier
	WorkerUpdates  prometheus.Counter

	PublishErrors *prometheus.CounterVec // labels: topic
}

// NewMetrics creates and registers all service metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Provider adapter calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Provider adapter call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"provider"}),
		ProviderCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_cache_total",
			Help:      "Provider cache lookups by provider and result.",
		}, []string{"provider", "result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_breaker_state",
			Help:      "Circuit breaker state per provider: 0 closed, 1 half-open, 2 open.",
		}, []string{"provider"}),
		Aggregations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregations_total",
			Help:      "Aggregation cycles by outcome.",
		}, []string{"outcome"}),
		ActiveLocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_locations",
			Help:      "Locations with at least one subscriber and a running refresh cycle.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Open telemetry subscriptions across all locations.",
		}),
		Pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Assessments enqueued to subscribers.",
		}),
		SubscriberDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_dropped_total",
			Help:      "Queued updates dropped because a subscriber fell behind.",
		}),
		AlertsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_appended_total",
			Help:      "Alert records appended by source and status.",
		}, []string{"source", "status"}),
		AlertLogEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_log_evicted_total",
			Help:      "Alert records evicted after the log reached capacity.",
		}),
		AlertLogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_log_size",
			Help:      "Records currently retained in the alert log.",
		}),
		WorkersTracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_tracked",
			Help:      "Tracked workers by risk tier.",
		}, []string{"tier"}),
		WorkerUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_updates_total",
			Help:      "Position and vitals updates applied to the worker table.",
		}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed outbound message deliveries by topic.",
		}, []string{"topic"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ProviderRequests,
		m.ProviderDuration,
		m.ProviderCache,
		m.BreakerState,
		m.Aggregations,
		m.ActiveLocations,
		m.Subscribers,
		m.Pushes,
		m.SubscriberDropped,
		m.AlertsAppended,
		m.AlertLogEvicted,
		m.AlertLogSize,
		m.WorkersTracked,
		m.WorkerUpdates,
		m.PublishErrors,
	}
}
